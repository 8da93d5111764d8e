package channel

import (
	"context"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

// StreamContext carries the per-request state an adapter needs to inject
// cache-stat and thinking-hint behavior without importing the orchestrator
// package.
type StreamContext struct {
	CacheCreationTokens int
	CacheReadTokens     int
	MessageID           string
	Model               string
	ThinkingEnabled     bool
}

// UpstreamError is returned by Adapter.Execute when the upstream responded
// with a non-2xx status before any SSE bytes were committed downstream; the
// orchestrator inspects StatusCode to classify it per §7.
type UpstreamError struct {
	StatusCode int
	Detail     string
	// QuotaModel is set by the Gemini adapter when a 429 indicates the
	// model's daily quota (not just its per-minute rate) is exhausted.
	QuotaModel string
}

func (e *UpstreamError) Error() string {
	return "channel: upstream error"
}

func (e *UpstreamError) HTTPStatus() int { return e.StatusCode }

// Adapter is the closed capability set every upstream channel implements
// (§9 "Dynamic dispatch"): each variant builds its own upstream request,
// sends it, and adapts the response stream into Claude SSE events in one
// call — the shape of "send" differs enough across a binary event-stream,
// an SDK-managed SSE client, and a byte-for-byte passthrough that forcing a
// shared Build/Send split would just reintroduce an artificial protocol.
// The four variants — Amazon Q, Gemini, OpenAI-compatible, Claude
// passthrough — are the entire set; nothing dispatches on reflection.
type Adapter interface {
	Name() string

	// Execute builds the upstream request (with model already substituted
	// by the router), sends it, and streams Claude SSE events through
	// emit. It synthesizes content_block_start/_stop since most upstreams
	// don't send them explicitly (§4.8), and returns once the stream ends
	// cleanly or a MidStreamFailure is reached.
	Execute(ctx context.Context, req claude.Request, model string, a *account.Account, accessToken string, sc StreamContext, emit func(events ...claude.Event)) (claude.Usage, error)
}
