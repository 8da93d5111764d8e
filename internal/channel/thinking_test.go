package channel

import (
	"testing"

	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

func collectEvents(feedChunks []string) []claude.Event {
	var out []claude.Event
	p := NewThinkingTagParser(0, func(events ...claude.Event) {
		out = append(out, events...)
	})
	for _, c := range feedChunks {
		p.Feed(c)
	}
	p.Close()
	return out
}

func textDeltasOf(events []claude.Event) []string {
	var out []string
	for _, e := range events {
		if d, ok := e.(claude.ContentBlockDelta); ok && d.Delta.Type == "text_delta" {
			out = append(out, d.Delta.Text)
		}
	}
	return out
}

func thinkingDeltasOf(events []claude.Event) []string {
	var out []string
	for _, e := range events {
		if d, ok := e.(claude.ContentBlockDelta); ok && d.Delta.Type == "thinking_delta" {
			out = append(out, d.Delta.Thinking)
		}
	}
	return out
}

func TestThinkingTagParser_PlainTextOnly(t *testing.T) {
	events := collectEvents([]string{"hello ", "world"})
	got := textDeltasOf(events)
	if len(got) != 2 || got[0] != "hello " || got[1] != "world" {
		t.Fatalf("unexpected text deltas: %v", got)
	}
}

func TestThinkingTagParser_SplitsTextAndThinkingBlocks(t *testing.T) {
	events := collectEvents([]string{"before <thinking>reasoning</thinking> after"})

	text := textDeltasOf(events)
	thinking := thinkingDeltasOf(events)

	if len(text) != 2 || text[0] != "before " || text[1] != " after" {
		t.Fatalf("unexpected text deltas: %v", text)
	}
	if len(thinking) != 1 || thinking[0] != "reasoning" {
		t.Fatalf("unexpected thinking deltas: %v", thinking)
	}
}

func TestThinkingTagParser_OpenTagStraddlesChunkBoundary(t *testing.T) {
	// "<thinking>" split across two Feed calls.
	events := collectEvents([]string{"before <thi", "nking>reasoning</thinking> after"})

	text := textDeltasOf(events)
	thinking := thinkingDeltasOf(events)

	if len(text) != 2 || text[0] != "before " || text[1] != " after" {
		t.Fatalf("unexpected text deltas: %v", text)
	}
	if len(thinking) != 1 || thinking[0] != "reasoning" {
		t.Fatalf("unexpected thinking deltas: %v", thinking)
	}
}

func TestThinkingTagParser_CloseTagStraddlesChunkBoundary(t *testing.T) {
	// "</thinking>" split across two Feed calls.
	events := collectEvents([]string{"<thinking>reasoning</thin", "king> after"})

	text := textDeltasOf(events)
	thinking := thinkingDeltasOf(events)

	if len(text) != 1 || text[0] != " after" {
		t.Fatalf("unexpected text deltas: %v", text)
	}
	if len(thinking) != 1 || thinking[0] != "reasoning" {
		t.Fatalf("unexpected thinking deltas: %v", thinking)
	}
}

func TestThinkingTagParser_ByteByByteStillParsesCorrectly(t *testing.T) {
	full := "x <thinking>y</thinking> z"
	chunks := make([]string, 0, len(full))
	for _, r := range full {
		chunks = append(chunks, string(r))
	}
	events := collectEvents(chunks)

	text := textDeltasOf(events)
	thinking := thinkingDeltasOf(events)

	gotText := ""
	for _, s := range text {
		gotText += s
	}
	gotThinking := ""
	for _, s := range thinking {
		gotThinking += s
	}

	if gotText != "x  z" {
		t.Fatalf("expected concatenated text %q, got %q", "x  z", gotText)
	}
	if gotThinking != "y" {
		t.Fatalf("expected thinking %q, got %q", "y", gotThinking)
	}
}

func TestThinkingTagParser_ClosesOpenBlockOnClose(t *testing.T) {
	var out []claude.Event
	p := NewThinkingTagParser(0, func(events ...claude.Event) { out = append(out, events...) })
	p.Feed("hello")
	p.Close()

	found := false
	for _, e := range out {
		if _, ok := e.(claude.ContentBlockStop); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a content_block_stop to be emitted on Close")
	}
}
