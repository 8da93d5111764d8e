package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/channel"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
	"github.com/nulpointcorp/claude-gateway/internal/config"
	"github.com/nulpointcorp/claude-gateway/internal/promptcache"
	"github.com/nulpointcorp/claude-gateway/internal/routing"
	"github.com/nulpointcorp/claude-gateway/internal/token"
	"github.com/nulpointcorp/claude-gateway/internal/tokencount"
	"github.com/nulpointcorp/claude-gateway/internal/usage"
)

// fakeAdapter lets each test script the events/error Execute returns.
type fakeAdapter struct {
	run func(emit func(events ...claude.Event)) (claude.Usage, error)
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Execute(ctx context.Context, req claude.Request, model string, a *account.Account, accessToken string, sc channel.StreamContext, emit func(events ...claude.Event)) (claude.Usage, error) {
	return f.run(emit)
}

// recordingSink captures every emitted event in order.
type recordingSink struct {
	events []claude.Event
}

func (s *recordingSink) WriteEvent(ev claude.Event) error {
	s.events = append(s.events, ev)
	return nil
}
func (s *recordingSink) Flush() error { return nil }

func newTestOrchestrator(t *testing.T, adapter channel.Adapter) (*Orchestrator, *account.Store) {
	t.Helper()
	store, err := account.Open(config.DBConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logs := account.NewCallLogRecorder(store, nil)
	pool := account.NewPool(store, logs, account.BreakerConfig{Enabled: true, ErrorThreshold: 5})
	router := routing.New(store, pool)
	tm := token.NewManager(store, map[account.Type]token.Refresher{})
	cache := promptcache.New(0, 0)
	t.Cleanup(func() { _ = cache.Close() })
	est := tokencount.New(nil)
	tracker, err := usage.New(slog.Default(), "")
	if err != nil {
		t.Fatalf("usage tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close() })

	o := New(Deps{
		Router:    router,
		Tokens:    tm,
		Cache:     cache,
		Pool:      pool,
		CallLog:   logs,
		Usage:     tracker,
		Estimator: est,
		Adapters:  map[account.Type]channel.Adapter{account.TypeCustomAPI: adapter},
		Log:       slog.Default(),
	})
	return o, store
}

func simpleRequest() claude.Request {
	return claude.Request{
		Model:    "claude-3-haiku",
		Stream:   true,
		MaxTokens: 100,
		Messages: []claude.Message{{Role: "user", RawContent: []byte(`"hi"`)}},
	}
}

func TestHandle_CleanCompletionRecordsSuccess(t *testing.T) {
	adapter := &fakeAdapter{run: func(emit func(events ...claude.Event)) (claude.Usage, error) {
		emit(claude.NewMessageStart("msg_1", "claude-3-haiku", claude.Usage{}))
		emit(claude.NewTextBlockStart(0))
		emit(claude.NewTextDelta(0, "hello"))
		emit(claude.NewContentBlockStop(0))
		emit(claude.NewMessageDelta("end_turn", claude.Usage{OutputTokens: 2}))
		emit(claude.NewMessageStop())
		return claude.Usage{InputTokens: 5, OutputTokens: 2}, nil
	}}
	o, store := newTestOrchestrator(t, adapter)
	ctx := context.Background()

	acct, err := store.Create(ctx, &account.Account{ID: "a1", Type: account.TypeCustomAPI, Enabled: true})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	sink := &recordingSink{}
	if err := o.Handle(ctx, simpleRequest(), acct.ID, account.StrategyRandom, sink); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(sink.events))
	}

	fresh, _ := store.Get(ctx, acct.ID)
	if fresh.SuccessCount != 1 {
		t.Fatalf("expected success count 1, got %d", fresh.SuccessCount)
	}
}

func TestHandle_MidStreamFailureEmitsSyntheticClose(t *testing.T) {
	adapter := &fakeAdapter{run: func(emit func(events ...claude.Event)) (claude.Usage, error) {
		emit(claude.NewMessageStart("msg_1", "claude-3-haiku", claude.Usage{}))
		emit(claude.NewTextBlockStart(0))
		emit(claude.NewTextDelta(0, "partial"))
		return claude.Usage{}, errors.New("upstream connection reset")
	}}
	o, store := newTestOrchestrator(t, adapter)
	ctx := context.Background()

	acct, err := store.Create(ctx, &account.Account{ID: "a1", Type: account.TypeCustomAPI, Enabled: true})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	sink := &recordingSink{}
	err = o.Handle(ctx, simpleRequest(), acct.ID, account.StrategyRandom, sink)
	if err == nil {
		t.Fatal("expected mid-stream failure to be returned, not retried away")
	}

	var sawStop, sawDelta bool
	for _, ev := range sink.events {
		switch ev.EventType() {
		case "content_block_stop":
			sawStop = true
		case "message_delta":
			sawDelta = true
			md := ev.(claude.MessageDelta)
			if md.Delta.StopReason != "end_turn" {
				t.Fatalf("expected synthetic stop_reason end_turn, got %q", md.Delta.StopReason)
			}
		}
	}
	if !sawStop || !sawDelta {
		t.Fatalf("expected a synthetic content_block_stop and message_delta, got %+v", sink.events)
	}
	if sink.events[len(sink.events)-1].EventType() != "message_stop" {
		t.Fatalf("expected stream to end with message_stop, got %s", sink.events[len(sink.events)-1].EventType())
	}

	fresh, _ := store.Get(ctx, acct.ID)
	if fresh.ErrorCount != 1 {
		t.Fatalf("expected error count 1, got %d", fresh.ErrorCount)
	}
}

func TestHandle_UpstreamErrorBeforeMessageStartRetriesOnAnotherAccount(t *testing.T) {
	attempts := 0
	adapter := &fakeAdapter{run: func(emit func(events ...claude.Event)) (claude.Usage, error) {
		attempts++
		if attempts == 1 {
			return claude.Usage{}, &channel.UpstreamError{StatusCode: 429, Detail: "rate limited"}
		}
		emit(claude.NewMessageStart("msg_2", "claude-3-haiku", claude.Usage{}))
		emit(claude.NewMessageDelta("end_turn", claude.Usage{}))
		emit(claude.NewMessageStop())
		return claude.Usage{}, nil
	}}
	o, store := newTestOrchestrator(t, adapter)
	ctx := context.Background()

	if _, err := store.Create(ctx, &account.Account{ID: "a1", Type: account.TypeCustomAPI, Enabled: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, &account.Account{ID: "a2", Type: account.TypeCustomAPI, Enabled: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sink := &recordingSink{}
	if err := o.Handle(ctx, simpleRequest(), "", account.StrategyRandom, sink); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestHandle_NoEligibleAccountFails(t *testing.T) {
	adapter := &fakeAdapter{run: func(emit func(events ...claude.Event)) (claude.Usage, error) {
		return claude.Usage{}, nil
	}}
	o, _ := newTestOrchestrator(t, adapter)
	sink := &recordingSink{}
	err := o.Handle(context.Background(), simpleRequest(), "", account.StrategyRandom, sink)
	if !errors.Is(err, account.ErrNoEligibleAccount) {
		t.Fatalf("expected ErrNoEligibleAccount, got %v", err)
	}
}
