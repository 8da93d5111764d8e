package claude

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteEvent_FramesAsSSE(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, NewPing()); err != nil {
		t.Fatalf("write event: %v", err)
	}
	got := buf.String()
	if !strings.HasPrefix(got, "event: ping\ndata: ") {
		t.Fatalf("unexpected frame: %q", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("expected frame to end with a blank line, got %q", got)
	}
}

func TestWriteEvent_TextDeltaRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, NewTextDelta(0, "hello")); err != nil {
		t.Fatalf("write event: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, `"type":"text_delta"`) {
		t.Fatalf("expected text_delta type in payload, got %q", got)
	}
	if !strings.Contains(got, `"text":"hello"`) {
		t.Fatalf("expected text payload, got %q", got)
	}
}

func TestEventSequence_PreservesEventOrder(t *testing.T) {
	var buf bytes.Buffer
	events := []Event{
		NewMessageStart("msg_1", "claude-3-haiku", Usage{InputTokens: 10}),
		NewPing(),
		NewTextBlockStart(0),
		NewTextDelta(0, "hi"),
		NewContentBlockStop(0),
		NewThinkingBlockStart(1),
		NewThinkingDelta(1, "reasoning"),
		NewContentBlockStop(1),
		NewMessageDelta("end_turn", Usage{OutputTokens: 5}),
		NewMessageStop(),
	}
	for _, ev := range events {
		if err := WriteEvent(&buf, ev); err != nil {
			t.Fatalf("write %s: %v", ev.EventType(), err)
		}
	}
	out := buf.String()
	wantOrder := []string{"message_start", "ping", "content_block_start", "content_block_delta",
		"content_block_stop", "content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop"}
	pos := 0
	for _, want := range wantOrder {
		idx := strings.Index(out[pos:], "event: "+want+"\n")
		if idx < 0 {
			t.Fatalf("expected %q to appear after position %d in %q", want, pos, out)
		}
		pos += idx + len(want)
	}
}
