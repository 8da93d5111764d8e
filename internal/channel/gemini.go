package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements the Google Gemini channel (C7b build, C8b adapt) using
// the official GenAI SDK. Unlike an API-key client, a donated Gemini
// account authenticates with a bearer access token, so the client is built
// with a RoundTripper that injects it rather than with APIKey.
type Gemini struct {
	DefaultEndpoint string
}

func NewGemini(defaultEndpoint string) *Gemini {
	if defaultEndpoint == "" {
		defaultEndpoint = defaultGeminiEndpoint
	}
	return &Gemini{DefaultEndpoint: defaultEndpoint}
}

func (g *Gemini) Name() string { return "gemini" }

// bearerTransport injects a bearer access token on every request, mirroring
// the teacher's baseURLTransport pattern for a provider whose auth can't be
// expressed through the SDK's APIKey field.
type bearerTransport struct {
	accessToken string
	projectID   string
	base        http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.accessToken)
	if t.projectID != "" {
		req.Header.Set("X-Goog-User-Project", t.projectID)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func (g *Gemini) client(ctx context.Context, acct *account.Account, accessToken string) (*genai.Client, error) {
	ext, err := acct.Extension()
	if err != nil {
		return nil, fmt.Errorf("gemini: extension: %w", err)
	}
	endpoint := ext.APIEndpoint
	if endpoint == "" {
		endpoint = g.DefaultEndpoint
	}
	httpClient := &http.Client{Transport: &bearerTransport{accessToken: accessToken, projectID: ext.ProjectID}}
	return genai.NewClient(ctx, &genai.ClientConfig{
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: endpoint},
	})
}

// buildContents converts the merged Claude conversation into Gemini
// contents, remembering each tool_use id's name so a later tool_result can
// be turned into a functionResponse naming the right function (§4.7 C7b).
func buildContents(msgs []claude.Message) ([]*genai.Content, map[string]string, error) {
	toolNames := map[string]string{}
	contents := make([]*genai.Content, 0, len(msgs))

	for i, m := range msgs {
		blocks, err := m.AsBlocks()
		if err != nil {
			return nil, nil, fmt.Errorf("gemini: decode message %d: %w", i, err)
		}
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, b := range blocks {
			switch b.Type {
			case "text":
				parts = append(parts, &genai.Part{Text: b.Text})
			case "thinking":
				parts = append(parts, &genai.Part{Text: b.Thinking, Thought: true, ThoughtSignature: []byte(b.Signature)})
			case "tool_use":
				toolNames[b.ID] = b.Name
				var args map[string]any
				_ = json.Unmarshal(b.Input, &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{Name: b.Name, Args: args}})
			case "tool_result":
				name := toolNames[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: map[string]any{"content": string(b.Content)},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, toolNames, nil
}

func buildTools(tools []claude.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// Execute sends the request through the GenAI SDK's streaming call and
// adapts each yielded chunk into Claude SSE events.
func (g *Gemini) Execute(ctx context.Context, req claude.Request, model string, acct *account.Account, accessToken string, sc StreamContext, emit func(events ...claude.Event)) (claude.Usage, error) {
	client, err := g.client(ctx, acct, accessToken)
	if err != nil {
		return claude.Usage{}, err
	}

	contents, _, err := buildContents(req.Messages)
	if err != nil {
		return claude.Usage{}, err
	}

	cfg := &genai.GenerateContentConfig{}
	if sysText, err := req.SystemText(); err == nil && sysText != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: sysText}}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if cfg.Tools = buildTools(req.Tools); len(cfg.Tools) == 0 {
		cfg.Tools = nil
	}

	thinking := req.ParseThinking(1024)
	if thinking.Enabled {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(thinking.BudgetTokens)),
		}
	}

	usage := claude.Usage{CacheCreationInputTokens: sc.CacheCreationTokens, CacheReadInputTokens: sc.CacheReadTokens}
	emit(claude.NewMessageStart(sc.MessageID, sc.Model, usage))

	parser := NewThinkingTagParser(0, emit)
	stopReason := "end_turn"

	for resp, streamErr := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if ctx.Err() != nil {
			parser.Close()
			return usage, ctx.Err()
		}
		if streamErr != nil {
			parser.Close()
			return usage, classifyGeminiErr(streamErr)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
			continue
		}
		c := resp.Candidates[0]
		if c.Content != nil {
			for _, part := range c.Content.Parts {
				if part == nil {
					continue
				}
				switch {
				case part.Thought:
					parser.Feed(openTag + part.Text + closeTag)
				case part.Text != "":
					parser.Feed(part.Text)
				case part.FunctionCall != nil:
					emitToolCall(emit, parser.Reserve(), part.FunctionCall)
				}
			}
		}
		if c.FinishReason != "" {
			stopReason = mapGeminiFinishReason(string(c.FinishReason))
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	parser.Close()
	emit(claude.NewMessageDelta(stopReason, usage))
	emit(claude.NewMessageStop())
	return usage, nil
}

func emitToolCall(emit func(events ...claude.Event), index int, fc *genai.FunctionCall) {
	args, _ := json.Marshal(fc.Args)
	emit(claude.NewToolUseBlockStart(index, fmt.Sprintf("toolu_%d", index), fc.Name))
	emit(claude.NewInputJSONDelta(index, string(args)))
	emit(claude.NewContentBlockStop(index))
}

func mapGeminiFinishReason(r string) string {
	switch strings.ToUpper(r) {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// classifyGeminiErr distinguishes a per-minute rate limit from a daily
// quota exhaustion, both surfaced by Gemini as HTTP 429 (§7's "Gemini
// 429 quota-vs-rate-limit distinction").
func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		ue := &UpstreamError{StatusCode: apiErr.Code, Detail: apiErr.Message}
		if apiErr.Code == http.StatusTooManyRequests && strings.Contains(strings.ToLower(apiErr.Message), "quota") {
			ue.QuotaModel = "exhausted"
		}
		return ue
	}
	return fmt.Errorf("gemini: %w", err)
}
