package channel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

// ClaudePassthrough implements the custom_api channel for FormatClaude
// accounts (C7d build, C8d adapt): the request is forwarded almost
// verbatim, with an Azure cleanup pass applied when the account's
// Extension.Provider is "azure", and the response bytes are forwarded
// mostly unchanged — only message_start is patched with C5 cache-stat
// fields.
type ClaudePassthrough struct {
	HTTPClient *http.Client
}

func NewClaudePassthrough() *ClaudePassthrough {
	return &ClaudePassthrough{HTTPClient: &http.Client{}}
}

func (c *ClaudePassthrough) Name() string { return "claude_passthrough" }

// rawEnvelope is the subset of the outbound JSON this adapter rewrites
// in place; everything else is preserved on the raw map.
type rawEnvelope map[string]json.RawMessage

func (c *ClaudePassthrough) buildRequest(req claude.Request, acct *account.Account, accessToken string, model string) (*http.Request, error) {
	ext, err := acct.Extension()
	if err != nil {
		return nil, fmt.Errorf("claudepass: extension: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("claudepass: marshal: %w", err)
	}

	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("claudepass: decode envelope: %w", err)
	}
	env["model"], _ = json.Marshal(model)

	if ext.Provider == "azure" {
		if err := applyAzureCleanup(env); err != nil {
			return nil, fmt.Errorf("claudepass: azure cleanup: %w", err)
		}
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("claudepass: marshal cleaned: %w", err)
	}

	base := strings.TrimRight(ext.APIBase, "/")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	httpReq, err := http.NewRequest(http.MethodPost, base+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("claudepass: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("x-api-key", accessToken)
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	return httpReq, nil
}

// applyAzureCleanup removes fields an Azure-fronted Claude deployment
// rejects and normalizes thinking/tool blocks (§4.7 C7d).
func applyAzureCleanup(env rawEnvelope) error {
	delete(env, "context_management")
	delete(env, "betas")
	delete(env, "anthropic_beta")

	rawMsgs, ok := env["messages"]
	if !ok {
		return nil
	}
	var msgs []json.RawMessage
	if err := json.Unmarshal(rawMsgs, &msgs); err != nil {
		return err
	}

	var lastAssistantKeepsThinking bool
	for i, raw := range msgs {
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		var role string
		_ = json.Unmarshal(msg["role"], &role)
		if role == "assistant" {
			// Each assistant turn resets the flag, so only the last one decides.
			lastAssistantKeepsThinking = false
		}

		rawContent, ok := msg["content"]
		if !ok {
			continue
		}
		var blocks []claude.ContentBlock
		if err := json.Unmarshal(rawContent, &blocks); err != nil {
			// plain-string content has no blocks to clean.
			continue
		}

		cleaned := make([]claude.ContentBlock, 0, len(blocks))
		for _, b := range blocks {
			switch b.Type {
			case "thinking":
				if b.Signature != "" {
					cleaned = append(cleaned, b)
				} else {
					cleaned = append(cleaned, claude.ContentBlock{
						Type: "text",
						Text: "<previous_thinking>" + b.Thinking + "</previous_thinking>",
					})
				}
			case "redacted_thinking":
				if b.Data != "" {
					cleaned = append(cleaned, b)
				}
			default:
				cleaned = append(cleaned, b)
			}
		}

		if role == "assistant" {
			lastAssistantKeepsThinking = len(cleaned) > 0 && cleaned[0].Type == "thinking" && cleaned[0].Signature != ""
		}

		newContent, err := json.Marshal(cleaned)
		if err != nil {
			return err
		}
		msg["content"] = newContent
		newMsg, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		msgs[i] = newMsg
	}

	newMsgs, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	env["messages"] = newMsgs

	if !lastAssistantKeepsThinking {
		delete(env, "thinking")
	}

	if rawTools, ok := env["tools"]; ok {
		if cleaned, err := normalizeTools(rawTools); err == nil {
			env["tools"] = cleaned
		}
	}

	return nil
}

// normalizeTools strips any extra fields a tool definition may carry down
// to {name, description, input_schema} (§4.7 C7d).
func normalizeTools(raw json.RawMessage) (json.RawMessage, error) {
	var tools []claude.Tool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return raw, err
	}
	return json.Marshal(tools)
}

// Execute forwards the request to the Claude-compatible endpoint and
// streams the response bytes back, patching message_start with the C5
// cache-stat fields and otherwise forwarding the SSE frames unchanged.
func (c *ClaudePassthrough) Execute(ctx context.Context, req claude.Request, model string, acct *account.Account, accessToken string, sc StreamContext, emit func(events ...claude.Event)) (claude.Usage, error) {
	httpReq, err := c.buildRequest(req, acct, accessToken, model)
	if err != nil {
		return claude.Usage{}, err
	}
	httpReq = httpReq.WithContext(ctx)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return claude.Usage{}, fmt.Errorf("claudepass: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return claude.Usage{}, &UpstreamError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	usage := claude.Usage{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var eventName string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return usage, ctx.Err()
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			payload := []byte(data)
			if eventName == "message_start" {
				payload = patchMessageStartCacheStats(payload, sc)
			}
			usage = trackUsageFromPayload(eventName, payload, usage)
			emit(rawPassthroughEvent{eventType: eventName, payload: payload})
		case line == "":
			// blank line separates SSE frames; nothing to do.
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("claudepass: read stream: %w", err)
	}
	return usage, nil
}

// patchMessageStartCacheStats overwrites usage.cache_creation_input_tokens
// and usage.cache_read_input_tokens on a message_start payload with the C5
// simulator's values, leaving every other field untouched (§4.8 C8d).
func patchMessageStartCacheStats(payload []byte, sc StreamContext) []byte {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(payload, &env); err != nil {
		return payload
	}
	rawMsg, ok := env["message"]
	if !ok {
		return payload
	}
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		return payload
	}
	var usage claude.Usage
	_ = json.Unmarshal(msg["usage"], &usage)
	usage.CacheCreationInputTokens = sc.CacheCreationTokens
	usage.CacheReadInputTokens = sc.CacheReadTokens
	newUsage, err := json.Marshal(usage)
	if err != nil {
		return payload
	}
	msg["usage"] = newUsage
	newMsg, err := json.Marshal(msg)
	if err != nil {
		return payload
	}
	env["message"] = newMsg
	out, err := json.Marshal(env)
	if err != nil {
		return payload
	}
	return out
}

func trackUsageFromPayload(eventName string, payload []byte, cur claude.Usage) claude.Usage {
	switch eventName {
	case "message_start":
		var env struct {
			Message struct {
				Usage claude.Usage `json:"usage"`
			} `json:"message"`
		}
		if json.Unmarshal(payload, &env) == nil {
			cur.InputTokens = env.Message.Usage.InputTokens
			cur.CacheCreationInputTokens = env.Message.Usage.CacheCreationInputTokens
			cur.CacheReadInputTokens = env.Message.Usage.CacheReadInputTokens
		}
	case "message_delta":
		var env struct {
			Usage claude.Usage `json:"usage"`
		}
		if json.Unmarshal(payload, &env) == nil && env.Usage.OutputTokens > 0 {
			cur.OutputTokens = env.Usage.OutputTokens
		}
	}
	return cur
}

// rawPassthroughEvent lets the orchestrator re-emit an already-encoded
// Claude SSE frame verbatim instead of re-marshaling a typed Event.
type rawPassthroughEvent struct {
	eventType string
	payload   []byte
}

func (e rawPassthroughEvent) EventType() string { return e.eventType }

// MarshalJSON returns the untouched upstream bytes verbatim so
// claude.WriteEvent frames them without re-encoding.
func (e rawPassthroughEvent) MarshalJSON() ([]byte, error) { return e.payload, nil }
