package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

// OpenAI implements the custom_api / OpenAI-compatible channel (C7c build,
// C8c adapt) with FormatOpenAI accounts, reusing openai-go the way the
// teacher's generic openaicompat provider does, including its per-account
// dynamic base URL.
type OpenAI struct{}

func NewOpenAI() *OpenAI { return &OpenAI{} }

func (o *OpenAI) Name() string { return "openai_compat" }

func (o *OpenAI) client(acct *account.Account, accessToken string) (openaiSDK.Client, error) {
	ext, err := acct.Extension()
	if err != nil {
		return openaiSDK.Client{}, fmt.Errorf("openai: extension: %w", err)
	}
	opts := []option.RequestOption{option.WithAPIKey(accessToken)}
	if ext.APIBase != "" {
		opts = append(opts, option.WithBaseURL(ext.APIBase))
	}
	return openaiSDK.NewClient(opts...), nil
}

// buildOpenAIMessages converts the Claude request into OpenAI chat messages;
// each tool_result block becomes an OpenAI {role: tool, tool_call_id,
// content} message keyed by its tool_use_id.
func buildOpenAIMessages(req claude.Request, thinkingEnabled bool) ([]openaiSDK.ChatCompletionMessageParamUnion, error) {
	var msgs []openaiSDK.ChatCompletionMessageParamUnion

	sysText, err := req.SystemText()
	if err != nil {
		return nil, fmt.Errorf("openai: system: %w", err)
	}
	if thinkingEnabled {
		sysText = strings.TrimSpace(sysText + "\nWrap internal reasoning in <thinking>...</thinking> before your final answer.")
	}
	if sysText != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(sysText))
	}

	toolNames := map[string]string{}

	for i, m := range req.Messages {
		blocks, err := m.AsBlocks()
		if err != nil {
			return nil, fmt.Errorf("openai: decode message %d: %w", i, err)
		}

		if m.Role == "user" {
			var textParts []string
			var toolResults []openaiSDK.ChatCompletionMessageParamUnion
			for _, b := range blocks {
				switch b.Type {
				case "text":
					textParts = append(textParts, b.Text)
				case "tool_result":
					toolResults = append(toolResults, openaiSDK.ToolMessage(string(b.Content), b.ToolUseID))
				}
			}
			if len(textParts) > 0 {
				msgs = append(msgs, openaiSDK.UserMessage(strings.Join(textParts, "\n")))
			}
			msgs = append(msgs, toolResults...)
			continue
		}

		// assistant
		var textParts []string
		var calls []openaiSDK.ChatCompletionMessageToolCallParam
		for _, b := range blocks {
			switch b.Type {
			case "text":
				textParts = append(textParts, b.Text)
			case "thinking":
				textParts = append(textParts, "<thinking>"+b.Thinking+"</thinking>")
			case "tool_use":
				toolNames[b.ID] = b.Name
				calls = append(calls, openaiSDK.ChatCompletionMessageToolCallParam{
					ID: b.ID,
					Function: openaiSDK.ChatCompletionMessageToolCallFunctionParam{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			}
		}
		asst := openaiSDK.ChatCompletionAssistantMessageParam{}
		if len(textParts) > 0 {
			asst.Content.OfString = param.NewOpt(strings.Join(textParts, "\n"))
		}
		if len(calls) > 0 {
			asst.ToolCalls = calls
		}
		msgs = append(msgs, openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &asst})
	}

	return msgs, nil
}

func buildOpenAITools(tools []claude.Tool) []openaiSDK.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openaiSDK.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, openaiSDK.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return out
}

// Execute sends the request through the SDK's streaming chat-completions
// call and adapts each delta into Claude SSE events, feeding plain text
// through the shared <thinking>-tag parser (§4.8 C8c).
func (o *OpenAI) Execute(ctx context.Context, req claude.Request, model string, acct *account.Account, accessToken string, sc StreamContext, emit func(events ...claude.Event)) (claude.Usage, error) {
	client, err := o.client(acct, accessToken)
	if err != nil {
		return claude.Usage{}, err
	}

	thinking := req.ParseThinking(1024)
	msgs, err := buildOpenAIMessages(req, thinking.Enabled)
	if err != nil {
		return claude.Usage{}, err
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
		Tools:    buildOpenAITools(req.Tools),
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	usage := claude.Usage{CacheCreationInputTokens: sc.CacheCreationTokens, CacheReadInputTokens: sc.CacheReadTokens}
	emit(claude.NewMessageStart(sc.MessageID, sc.Model, usage))

	parser := NewThinkingTagParser(0, emit)
	stopReason := "end_turn"
	toolCallIndex := map[int64]int{} // OpenAI tool_calls[].index -> our content-block index
	toolCallID := map[int64]string{}

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	for stream.Next() {
		if ctx.Err() != nil {
			parser.Close()
			return usage, ctx.Err()
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]

		if c.Delta.Content != "" {
			parser.Feed(c.Delta.Content)
		}

		for _, tc := range c.Delta.ToolCalls {
			idx, ok := toolCallIndex[tc.Index]
			if !ok {
				idx = parser.Reserve()
				toolCallIndex[tc.Index] = idx
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%d", idx)
				}
				toolCallID[tc.Index] = id
				emit(claude.NewToolUseBlockStart(idx, id, tc.Function.Name))
			}
			if tc.Function.Arguments != "" {
				emit(claude.NewInputJSONDelta(idx, tc.Function.Arguments))
			}
		}

		if c.FinishReason != "" {
			stopReason = mapOpenAIFinishReason(c.FinishReason)
		}
		if chunk.Usage.TotalTokens > 0 {
			usage.InputTokens = int(chunk.Usage.PromptTokens)
			usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
	}
	for idx := range toolCallIndex {
		emit(claude.NewContentBlockStop(idx))
	}

	if err := stream.Err(); err != nil {
		parser.Close()
		return usage, classifyOpenAIErr(err)
	}

	parser.Close()
	emit(claude.NewMessageDelta(stopReason, usage))
	emit(claude.NewMessageStop())
	return usage, nil
}

func mapOpenAIFinishReason(r string) string {
	switch r {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func classifyOpenAIErr(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{StatusCode: apiErr.StatusCode, Detail: apiErr.Error()}
	}
	return fmt.Errorf("openai: %w", err)
}
