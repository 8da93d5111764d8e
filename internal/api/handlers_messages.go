package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
	"github.com/nulpointcorp/claude-gateway/internal/usage"
	"github.com/nulpointcorp/claude-gateway/pkg/apierr"
)

// sseSink adapts the orchestrator's Sink interface to a fasthttp streamed
// body writer. Flush is called after every WriteEvent so the body writer
// pushes bytes to the wire immediately, matching the teacher's "caller owns
// flush" writeSSE contract.
type sseSink struct {
	w *bufio.Writer
}

func (s *sseSink) WriteEvent(ev claude.Event) error {
	return claude.WriteEvent(s.w, ev)
}

func (s *sseSink) Flush() error { return s.w.Flush() }

func (s *Server) handleMessages(ctx *fasthttp.RequestCtx) {
	s.dispatchMessages(ctx)
}

// handleGeminiMessages pins the channel to gemini and otherwise reuses the
// /v1/messages handler.
func (s *Server) handleGeminiMessages(ctx *fasthttp.RequestCtx) {
	s.dispatchMessages(ctx, account.TypeGemini)
}

func (s *Server) dispatchMessages(ctx *fasthttp.RequestCtx, pinType ...account.Type) {
	var req claude.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		apierr.WriteInvalidRequest(ctx, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteInvalidRequest(ctx, "messages must not be empty")
		return
	}

	if !s.cfg.DisableInputValidation {
		estimated := s.est.EstimateRequest(req, req.Model)
		limit := s.cfg.MaxInputTokens
		if limit <= 0 {
			limit = 100000
		}
		if estimated > limit {
			s.log.Warn("input token estimate exceeds configured limit",
				slog.Int("estimated", estimated), slog.Int("limit", limit), slog.String("model", req.Model))
		}
	}

	accountID := string(ctx.Request.Header.Peek("X-Account-ID"))
	strategy := account.StrategyWeightedRoundRobin

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("messages stream panic", slog.Any("panic", r))
			}
		}()

		sink := &sseSink{w: w}
		if err := s.orch.Handle(ctx, req, accountID, strategy, sink, pinType...); err != nil {
			s.writeStreamError(sink, err)
		}
	})
}

// writeStreamError best-effort emits a Claude error event once the stream
// has already started — the HTTP status is already committed to 200 at this
// point, so the only way to signal failure is within the SSE stream itself.
func (s *Server) writeStreamError(sink *sseSink, err error) {
	errType := apierr.TypeAPIError
	if errors.Is(err, account.ErrNoEligibleAccount) {
		errType = apierr.TypeOverloadedError
	}
	env := claude.NewErrorEnvelope(errType, err.Error())
	data, merr := json.Marshal(env)
	if merr != nil {
		return
	}
	fmt.Fprintf(sink.w, "event: error\ndata: %s\n\n", data)
	_ = sink.Flush()
}

func (s *Server) handleCountTokens(ctx *fasthttp.RequestCtx) {
	var req claude.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	count := s.est.EstimateRequest(req, req.Model)
	writeJSON(ctx, map[string]int{"input_tokens": count})
}

func (s *Server) handleUsage(ctx *fasthttp.RequestCtx) {
	period := string(ctx.QueryArgs().Peek("period"))
	if period == "" {
		period = "day"
	}
	writeJSON(ctx, s.usage.GetSummary(parsePeriod(period)))
}

func parsePeriod(s string) usage.Period {
	switch usage.Period(s) {
	case usage.PeriodHour, usage.PeriodWeek, usage.PeriodMonth, usage.PeriodAll:
		return usage.Period(s)
	default:
		return usage.PeriodDay
	}
}
