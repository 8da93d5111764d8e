// Package orchestrator implements the streaming orchestrator (C9): the
// per-request retry loop that ties the account pool, token manager, prompt
// cache simulator, router, and channel adapters together and frames their
// output as a single well-formed Claude SSE response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/channel"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
	"github.com/nulpointcorp/claude-gateway/internal/metrics"
	"github.com/nulpointcorp/claude-gateway/internal/promptcache"
	"github.com/nulpointcorp/claude-gateway/internal/routing"
	"github.com/nulpointcorp/claude-gateway/internal/token"
	"github.com/nulpointcorp/claude-gateway/internal/tokencount"
	"github.com/nulpointcorp/claude-gateway/internal/usage"
)

const (
	defaultMaxRetries  = 3
	defaultPingInterval = 15 * time.Second
)

// Deps bundles every collaborator the orchestrator drives (§4.9, §5).
type Deps struct {
	Router    *routing.Router
	Tokens    *token.Manager
	Cache     *promptcache.Simulator
	Pool      *account.Pool
	CallLog   *account.CallLogRecorder
	Usage     *usage.Tracker
	Estimator *tokencount.Estimator
	Adapters  map[account.Type]channel.Adapter

	// Metrics is optional; every call site nil-checks it so the
	// orchestrator runs the same with or without a registry wired.
	Metrics *metrics.Registry

	MaxRetries   int
	PingInterval time.Duration

	Log *slog.Logger
}

// Orchestrator runs one request's retry/streaming lifecycle end to end.
type Orchestrator struct {
	d Deps
}

func New(d Deps) *Orchestrator {
	if d.MaxRetries <= 0 {
		d.MaxRetries = defaultMaxRetries
	}
	if d.PingInterval <= 0 {
		d.PingInterval = defaultPingInterval
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Orchestrator{d: d}
}

// Sink is what the API layer hands the orchestrator to flush SSE bytes
// downstream; Flush is called after every WriteEvent so fasthttp's
// streaming writer sees bytes promptly (§5 "downstream writes back-pressure
// upstream reads").
type Sink interface {
	WriteEvent(ev claude.Event) error
	Flush() error
}

// NoEligibleAccount maps to 503 (§7).
var ErrNoEligibleAccount = account.ErrNoEligibleAccount

// Handle runs the §4.9 retry loop for one incoming request and streams the
// result through sink. accountID is the X-Account-ID pin, or empty.
// strategy is the configured load-balance strategy.
func (o *Orchestrator) Handle(ctx context.Context, req claude.Request, accountID string, strategy account.Strategy, sink Sink, pinType ...account.Type) error {
	messageID := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]

	var lastErr error
	for attempt := 0; attempt < o.d.MaxRetries; attempt++ {
		outcome, err := o.attempt(ctx, req, accountID, strategy, messageID, sink, pinType...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Client disconnected or the request deadline elapsed; no
			// further events, no retry, bookkeeping already ran inside
			// attempt() at the moment of cancellation.
			return err
		case outcome == outcomeRetryable:
			lastErr = err
			continue
		default:
			return err
		}
	}
	if lastErr == nil {
		lastErr = ErrNoEligibleAccount
	}
	return lastErr
}

type attemptOutcome int

const (
	outcomeTerminal attemptOutcome = iota
	outcomeRetryable
)

// attempt runs steps 1-8 of §4.9 once.
func (o *Orchestrator) attempt(ctx context.Context, req claude.Request, accountID string, strategy account.Strategy, messageID string, sink Sink, pinType ...account.Type) (attemptOutcome, error) {
	// Step 1: resolve (channel, account), substituting model.
	decision, err := o.d.Router.Route(ctx, accountID, req.Model, strategy, pinType...)
	if err != nil {
		return outcomeTerminal, fmt.Errorf("orchestrator: %w", err)
	}
	acct := decision.Account
	model := decision.Model

	adapter, ok := o.d.Adapters[acct.Type]
	if !ok {
		return outcomeTerminal, fmt.Errorf("orchestrator: no adapter registered for account type %s", acct.Type)
	}

	// Step 2: obtain a valid token.
	accessToken, err := o.d.Tokens.GetValidToken(ctx, acct)
	if err != nil {
		if o.d.Metrics != nil {
			o.d.Metrics.RecordTokenCheck(string(acct.Type), "failed")
		}
		if errors.Is(err, token.ErrTokenRefresh) {
			_ = o.d.Pool.RecordFailure(ctx, acct.ID)
			o.recordBreakerState(acct)
			return outcomeRetryable, fmt.Errorf("orchestrator: token refresh: %w", err)
		}
		return outcomeTerminal, fmt.Errorf("orchestrator: token: %w", err)
	}
	if o.d.Metrics != nil {
		o.d.Metrics.RecordTokenCheck(string(acct.Type), "ok")
	}

	// Step 3: consult the prompt-cache simulator.
	estimated := o.d.Estimator.EstimateRequest(req, model)
	cacheKey := promptcache.Key(tokencount.CacheKeyBytes(req))
	cacheResult := o.d.Cache.Check(cacheKey, estimated)
	if o.d.Metrics != nil {
		if cacheResult.Hit {
			o.d.Metrics.CacheHit()
		} else {
			o.d.Metrics.CacheMiss()
		}
	}

	sc := channel.StreamContext{
		CacheCreationTokens: cacheResult.CacheCreationTokens,
		CacheReadTokens:     cacheResult.CacheReadTokens,
		MessageID:           messageID,
		Model:               model,
		ThinkingEnabled:     req.ParseThinking(1024).Enabled,
	}

	// Steps 4-6: build, send, and forward the upstream stream, with a
	// ping-cadence goroutine layered over the caller's emit closure.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu           sync.Mutex
		lastActivity = time.Now()
		messageStarted bool
		openBlocks   = map[int]bool{}
	)
	markActivity := func() {
		mu.Lock()
		lastActivity = time.Now()
		mu.Unlock()
	}

	emit := func(events ...claude.Event) {
		for _, ev := range events {
			if ev.EventType() == "message_start" {
				mu.Lock()
				messageStarted = true
				mu.Unlock()
			}
			if cbs, ok := ev.(claude.ContentBlockStart); ok {
				mu.Lock()
				openBlocks[cbs.Index] = true
				mu.Unlock()
			}
			if cbe, ok := ev.(claude.ContentBlockStop); ok {
				mu.Lock()
				delete(openBlocks, cbe.Index)
				mu.Unlock()
			}
			if err := sink.WriteEvent(ev); err != nil {
				o.d.Log.Warn("orchestrator: write event failed", slog.String("error", err.Error()))
			}
			_ = sink.Flush()
			markActivity()
		}
	}

	pingDone := make(chan struct{})
	go o.runPingLoop(runCtx, &mu, &lastActivity, &messageStarted, emit, pingDone)
	defer func() { cancel(); <-pingDone }()

	attemptStart := time.Now()
	usageOut, execErr := adapter.Execute(runCtx, req, model, acct, accessToken, sc, emit)
	attemptDur := time.Since(attemptStart)

	cancel()
	<-pingDone

	if o.d.Metrics != nil {
		outcome := "ok"
		if execErr != nil {
			outcome = "error"
		}
		o.d.Metrics.ObserveChannelAttempt(string(acct.Type), outcome, attemptDur)
	}

	if ctx.Err() != nil {
		// Client disconnect or deadline: reflect the upstream outcome at
		// this moment but never write another byte, and never log the
		// call (§4.9 cancellation, §5 "no call-log entry if upstream did
		// not complete cleanly").
		if execErr == nil {
			_ = o.d.Pool.RecordSuccess(ctx, acct.ID)
		} else {
			_ = o.d.Pool.RecordFailure(ctx, acct.ID)
		}
		o.recordBreakerState(acct)
		return outcomeTerminal, ctx.Err()
	}

	if execErr == nil {
		return outcomeTerminal, o.finishSuccess(ctx, acct, model, sc, usageOut, sink)
	}

	return o.classifyFailure(ctx, acct, model, execErr, messageStarted, openBlocks, sink)
}

// finishSuccess runs §4.9 step 7: mark success, record the call, persist
// usage.
func (o *Orchestrator) finishSuccess(ctx context.Context, acct *account.Account, model string, sc channel.StreamContext, u claude.Usage, sink Sink) error {
	_ = o.d.Pool.RecordSuccess(ctx, acct.ID)
	o.recordBreakerState(acct)
	if err := o.d.CallLog.Record(ctx, acct.ID, model); err != nil {
		o.d.Log.Warn("orchestrator: call log record failed", slog.String("error", err.Error()))
	}
	o.d.Usage.Record(ctx, usage.Record{
		Model:               model,
		Channel:             string(acct.Type),
		AccountID:           acct.ID,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: sc.CacheCreationTokens,
		CacheReadTokens:     sc.CacheReadTokens,
	})
	if o.d.Metrics != nil {
		o.d.Metrics.AddTokens(string(acct.Type), model, u.InputTokens, u.OutputTokens)
	}
	return nil
}

// recordBreakerState mirrors account.Pool.StateLabel into the breaker gauge
// after any operation that may have changed cooldown_until. It reads the
// account fresh from the store since Pool's Record*/ForceOpen calls mutate
// the row directly, not the in-memory acct the caller holds.
func (o *Orchestrator) recordBreakerState(acct *account.Account) {
	if o.d.Metrics == nil {
		return
	}
	fresh, err := o.d.Pool.SelectByID(context.Background(), acct.ID)
	if err != nil || fresh == nil {
		return
	}
	o.d.Metrics.SetBreakerState(acct.ID, string(acct.Type), o.d.Pool.StateLabel(fresh) == "open")
}

// classifyFailure dispatches an adapter error per §4.9 step 5/8.
func (o *Orchestrator) classifyFailure(ctx context.Context, acct *account.Account, model string, execErr error, messageStarted bool, openBlocks map[int]bool, sink Sink) (attemptOutcome, error) {
	var upErr *channel.UpstreamError
	if errors.As(execErr, &upErr) {
		// A non-2xx status before any SSE bytes went out: safe to
		// reclassify and retry.
		switch {
		case upErr.StatusCode == 429:
			o.handleRateLimit(ctx, acct, model, upErr)
			return outcomeRetryable, execErr
		case upErr.StatusCode >= 500:
			_ = o.d.Pool.RecordFailure(ctx, acct.ID)
			o.recordBreakerState(acct)
			return outcomeTerminal, fmt.Errorf("orchestrator: upstream 5xx: %w", execErr)
		default:
			_ = o.d.Pool.RecordFailure(ctx, acct.ID)
			o.recordBreakerState(acct)
			return outcomeTerminal, execErr
		}
	}

	if !messageStarted {
		// Upstream failed before emitting anything the client could have
		// seen; safe to retry on a different account.
		_ = o.d.Pool.RecordFailure(ctx, acct.ID)
		o.recordBreakerState(acct)
		return outcomeRetryable, execErr
	}

	// message_start already reached the client: this is a mid-stream
	// abrupt failure (§4.9 step 8). The client already saw partial
	// output, so we must not retry — close whatever content block is
	// still open, then emit a synthetic message_delta/message_stop so the
	// client sees a well-formed ending, and mark the account error.
	for idx := range openBlocks {
		_ = sink.WriteEvent(claude.NewContentBlockStop(idx))
	}
	_ = sink.WriteEvent(claude.NewMessageDelta("end_turn", claude.Usage{}))
	_ = sink.WriteEvent(claude.NewMessageStop())
	_ = sink.Flush()

	_ = o.d.Pool.RecordFailure(ctx, acct.ID)
	o.recordBreakerState(acct)
	return outcomeTerminal, fmt.Errorf("orchestrator: mid-stream failure: %w", execErr)
}

// handleRateLimit implements the §4.9 "Failover for 429" branch, including
// the Gemini per-minute-vs-daily-quota distinction.
func (o *Orchestrator) handleRateLimit(ctx context.Context, acct *account.Account, model string, upErr *channel.UpstreamError) {
	if acct.Type == account.TypeGemini && upErr.QuotaModel != "" {
		ext, err := acct.Extension()
		if err == nil {
			if ext.ModelQuotas == nil {
				ext.ModelQuotas = map[string]account.ModelQuota{}
			}
			ext.ModelQuotas[model] = account.ModelQuota{
				Remaining: 0,
				ResetAt:   time.Now().UTC().Add(24 * time.Hour),
			}
			if err := acct.SetExtension(ext); err == nil {
				_ = o.d.Pool.RecordFailure(ctx, acct.ID)
			}
		}
		// Daily quota exhaustion: a short cooldown doesn't help, but we
		// still leave the breaker logic to RecordFailure/ForceOpen rather
		// than hand-rolling a second cooldown path.
		_ = o.d.Pool.ForceOpen(ctx, acct.ID)
		o.recordBreakerState(acct)
		return
	}

	// Per-minute rate limit (or non-Gemini 429): open the breaker
	// immediately so the next attempt picks a different account (§4.9
	// step 5, §4.4 ForceOpen).
	_ = o.d.Pool.ForceOpen(ctx, acct.ID)
	o.recordBreakerState(acct)
}

// runPingLoop emits a claude.NewPing() event whenever no emit() call has
// happened for at least PingInterval, until ctx is cancelled (§4.9 "Ping
// cadence"). It only starts ticking after message_start, matching "after
// message_start, emit a ping event at least every 15s".
func (o *Orchestrator) runPingLoop(ctx context.Context, mu *sync.Mutex, lastActivity *time.Time, messageStarted *bool, emit func(events ...claude.Event), done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.d.PingInterval / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			started := *messageStarted
			idle := time.Since(*lastActivity)
			mu.Unlock()
			if started && idle >= o.d.PingInterval {
				emit(claude.NewPing())
			}
		}
	}
}
