// Package channel implements the closed set of upstream adapters (§9):
// Amazon Q, Gemini, OpenAI-compatible, and Claude passthrough. Each adapter
// builds an upstream request from a Claude request and adapts the
// upstream's response stream back into Claude SSE events.
package channel

import (
	"strings"

	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// blockKind is which Claude content block is currently open.
type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
)

// ThinkingTagParser turns a stream of raw upstream text chunks into Claude
// content-block events, splitting on <thinking>...</thinking> markers
// (§4.8 C8a/C8c). It tolerates a tag straddling two chunks by buffering an
// incomplete prefix until either it's disproved or completed.
type ThinkingTagParser struct {
	pending string // unresolved trailing text that might be a partial tag
	kind    blockKind
	index   int // next content-block index to allocate

	emit func(events ...claude.Event)
}

// NewThinkingTagParser builds a parser that calls emit for every content
// block and delta event it produces. startIndex is the first content-block
// index to use (content blocks already opened by the caller, if any, take
// earlier indices).
func NewThinkingTagParser(startIndex int, emit func(events ...claude.Event)) *ThinkingTagParser {
	return &ThinkingTagParser{index: startIndex, emit: emit}
}

// Feed consumes one chunk of raw upstream text.
func (p *ThinkingTagParser) Feed(chunk string) {
	buf := p.pending + chunk
	p.pending = ""

	for {
		switch p.kind {
		case blockNone, blockText:
			openIdx := strings.Index(buf, openTag)
			if openIdx < 0 {
				safe, hold := splitSafeSuffix(buf, openTag)
				p.emitText(safe)
				p.pending = hold
				return
			}
			p.emitText(buf[:openIdx])
			p.openThinking()
			buf = buf[openIdx+len(openTag):]

		case blockThinking:
			closeIdx := strings.Index(buf, closeTag)
			if closeIdx < 0 {
				safe, hold := splitSafeSuffix(buf, closeTag)
				p.emitThinking(safe)
				p.pending = hold
				return
			}
			p.emitThinking(buf[:closeIdx])
			p.closeThinking()
			buf = buf[closeIdx+len(closeTag):]
		}
	}
}

// Close flushes any buffered trailing text (treated as literal, not a tag)
// and closes whatever block is open.
func (p *ThinkingTagParser) Close() {
	if p.pending != "" {
		switch p.kind {
		case blockThinking:
			p.emitThinking(p.pending)
		default:
			p.emitText(p.pending)
		}
		p.pending = ""
	}
	if p.kind != blockNone {
		p.emit(claude.NewContentBlockStop(p.index - 1))
		p.kind = blockNone
	}
}

// Reserve closes whatever text/thinking block is currently open and
// returns the next content-block index, for a caller emitting a
// tool_use block interleaved with the parsed text/thinking stream.
func (p *ThinkingTagParser) Reserve() int {
	if p.kind != blockNone {
		p.emit(claude.NewContentBlockStop(p.index - 1))
		p.kind = blockNone
	}
	idx := p.index
	p.index++
	return idx
}

func (p *ThinkingTagParser) emitText(s string) {
	if s == "" {
		return
	}
	if p.kind != blockText {
		p.openText()
	}
	p.emit(claude.NewTextDelta(p.index-1, s))
}

func (p *ThinkingTagParser) emitThinking(s string) {
	if s == "" {
		return
	}
	p.emit(claude.NewThinkingDelta(p.index-1, s))
}

func (p *ThinkingTagParser) openText() {
	if p.kind != blockNone {
		p.emit(claude.NewContentBlockStop(p.index - 1))
	}
	p.emit(claude.NewTextBlockStart(p.index))
	p.kind = blockText
	p.index++
}

func (p *ThinkingTagParser) openThinking() {
	if p.kind != blockNone {
		p.emit(claude.NewContentBlockStop(p.index - 1))
	}
	p.emit(claude.NewThinkingBlockStart(p.index))
	p.kind = blockThinking
	p.index++
}

func (p *ThinkingTagParser) closeThinking() {
	p.emit(claude.NewContentBlockStop(p.index - 1))
	p.kind = blockNone
}

// splitSafeSuffix returns (safe, held) where held is the longest suffix of
// buf that is a strict prefix of tag (so it might still complete into tag
// once more chunks arrive) and safe is everything before it.
func splitSafeSuffix(buf, tag string) (safe, held string) {
	maxHold := len(tag) - 1
	if maxHold > len(buf) {
		maxHold = len(buf)
	}
	for n := maxHold; n > 0; n-- {
		suffix := buf[len(buf)-n:]
		if strings.HasPrefix(tag, suffix) {
			return buf[:len(buf)-n], suffix
		}
	}
	return buf, ""
}
