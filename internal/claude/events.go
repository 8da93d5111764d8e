package claude

import (
	"encoding/json"
	"fmt"
	"io"
)

// Event is anything that can render itself as one `event: <type>\ndata:
// <json>\n\n` SSE frame (§4.8 event sequence).
type Event interface {
	EventType() string
}

// WriteEvent serializes ev as a Claude-style SSE frame. It does not flush:
// fasthttp's SetBodyStreamWriter hands us a plain io.Writer/*bufio.Writer,
// and the caller is responsible for flushing between writes.
func WriteEvent(w io.Writer, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("claude: marshal %s event: %w", ev.EventType(), err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), body)
	return err
}

// MessageStart begins the event sequence (§4.8, §4.9 step 6).
type MessageStart struct {
	Type    string         `json:"type"`
	Message MessageSummary `json:"message"`
}

func (MessageStart) EventType() string { return "message_start" }

// MessageSummary is the partial Message object carried by message_start.
type MessageSummary struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

func NewMessageStart(id, model string, usage Usage) MessageStart {
	return MessageStart{
		Type: "message_start",
		Message: MessageSummary{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Content: []ContentBlock{},
			Model:   model,
			Usage:   usage,
		},
	}
}

// Ping is the keepalive event emitted at least every 15s of upstream
// silence (§4.9 "Ping cadence").
type Ping struct {
	Type string `json:"type"`
}

func (Ping) EventType() string { return "ping" }

func NewPing() Ping { return Ping{Type: "ping"} }

// ContentBlockStart opens a new content block at a monotonic index.
type ContentBlockStart struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func (ContentBlockStart) EventType() string { return "content_block_start" }

func NewTextBlockStart(index int) ContentBlockStart {
	return ContentBlockStart{Type: "content_block_start", Index: index, ContentBlock: ContentBlock{Type: "text", Text: ""}}
}

func NewThinkingBlockStart(index int) ContentBlockStart {
	return ContentBlockStart{Type: "content_block_start", Index: index, ContentBlock: ContentBlock{Type: "thinking", Thinking: ""}}
}

func NewToolUseBlockStart(index int, id, name string) ContentBlockStart {
	return ContentBlockStart{Type: "content_block_start", Index: index, ContentBlock: ContentBlock{Type: "tool_use", ID: id, Name: name}}
}

// ContentBlockDelta carries one incremental update to a content block.
// Delta is one of the *_delta variants below, discriminated by its own
// "type" field when marshaled.
type ContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

func (ContentBlockDelta) EventType() string { return "content_block_delta" }

// Delta is the tagged union of delta payload shapes.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

func NewTextDelta(index int, text string) ContentBlockDelta {
	return ContentBlockDelta{Type: "content_block_delta", Index: index, Delta: Delta{Type: "text_delta", Text: text}}
}

func NewThinkingDelta(index int, text string) ContentBlockDelta {
	return ContentBlockDelta{Type: "content_block_delta", Index: index, Delta: Delta{Type: "thinking_delta", Thinking: text}}
}

func NewSignatureDelta(index int, signature string) ContentBlockDelta {
	return ContentBlockDelta{Type: "content_block_delta", Index: index, Delta: Delta{Type: "signature_delta", Signature: signature}}
}

func NewInputJSONDelta(index int, partial string) ContentBlockDelta {
	return ContentBlockDelta{Type: "content_block_delta", Index: index, Delta: Delta{Type: "input_json_delta", PartialJSON: partial}}
}

// ContentBlockStop closes a content block.
type ContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func (ContentBlockStop) EventType() string { return "content_block_stop" }

func NewContentBlockStop(index int) ContentBlockStop {
	return ContentBlockStop{Type: "content_block_stop", Index: index}
}

// MessageDelta reports the terminal stop_reason/usage just before
// message_stop.
type MessageDelta struct {
	Type  string           `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage Usage            `json:"usage"`
}

func (MessageDelta) EventType() string { return "message_delta" }

type MessageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

func NewMessageDelta(stopReason string, usage Usage) MessageDelta {
	return MessageDelta{Type: "message_delta", Delta: MessageDeltaBody{StopReason: stopReason}, Usage: usage}
}

// MessageStop ends the sequence.
type MessageStop struct {
	Type string `json:"type"`
}

func (MessageStop) EventType() string { return "message_stop" }

func NewMessageStop() MessageStop { return MessageStop{Type: "message_stop"} }
