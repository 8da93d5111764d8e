// Package claude defines the Claude Messages wire format this gateway
// speaks on its inbound surface: request/response JSON shapes and the
// outbound SSE event sequence, hand-rolled rather than reused from the
// official SDK because that SDK's types are built for consuming a Claude
// stream as a client, not producing one as a server (see DESIGN.md).
package claude

import "encoding/json"

// Request is the body accepted by POST /v1/messages (§4.11). System and
// message content can each be a plain string or a block array, so both
// are decoded as raw JSON and normalized by the caller via AsBlocks.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	Thinking    json.RawMessage `json:"thinking,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Message is one turn. Content is either a plain string or a ContentBlock
// array; RawContent preserves whichever was sent.
type Message struct {
	Role       string          `json:"role"`
	RawContent json.RawMessage `json:"content"`
}

// AsBlocks normalizes Content to a block list regardless of whether the
// caller sent a string or an array.
func (m Message) AsBlocks() ([]ContentBlock, error) {
	var asString string
	if err := json.Unmarshal(m.RawContent, &asString); err == nil {
		return []ContentBlock{{Type: "text", Text: asString}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.RawContent, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// SystemText normalizes the request's system field to a single string,
// concatenating block text in order when it was sent as an array.
func (r Request) SystemText() (string, error) {
	if len(r.System) == 0 {
		return "", nil
	}
	var asString string
	if err := json.Unmarshal(r.System, &asString); err == nil {
		return asString, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return "", err
	}
	out := ""
	for _, b := range blocks {
		out += b.Text
	}
	return out, nil
}

// ThinkingConfig normalizes the request's thinking field, which may be
// sent as a bare bool or as {type, budget_tokens}.
type ThinkingConfig struct {
	Enabled     bool
	BudgetTokens int
}

// ParseThinking decodes r.Thinking, defaulting to disabled when absent —
// honoring the Claude API's default-off semantics rather than any
// upstream's default-on behavior.
func (r Request) ParseThinking(defaultBudget int) ThinkingConfig {
	if len(r.Thinking) == 0 {
		return ThinkingConfig{Enabled: false}
	}
	var asBool bool
	if err := json.Unmarshal(r.Thinking, &asBool); err == nil {
		return ThinkingConfig{Enabled: asBool, BudgetTokens: defaultBudget}
	}
	var obj struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens"`
	}
	if err := json.Unmarshal(r.Thinking, &obj); err == nil {
		budget := obj.BudgetTokens
		if budget == 0 {
			budget = defaultBudget
		}
		return ThinkingConfig{Enabled: obj.Type == "enabled", BudgetTokens: budget}
	}
	return ThinkingConfig{Enabled: false}
}

// ContentBlock is a tagged-union content block. Only the fields relevant
// to Type are populated; unused fields are left zero.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string           `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// cache_control: {"type": "ephemeral"}
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a block as a cacheable-prefix boundary (§4.5).
type CacheControl struct {
	Type string `json:"type"`
}

// Tool is a tool definition as Claude expresses it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Usage is the token/cache accounting block attached to message_start and
// the final message_delta (§4.9 step 6).
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ErrorEnvelope is the Claude-style error body (§7 InvalidRequest etc.).
type ErrorEnvelope struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorEnvelope(errType, message string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}
