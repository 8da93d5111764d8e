package routing

import (
	"context"
	"testing"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/config"
)

func newTestRouter(t *testing.T) (*Router, *account.Store) {
	t.Helper()
	store, err := account.Open(config.DBConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pool := account.NewPool(store, account.NewCallLogRecorder(store, nil), account.BreakerConfig{})
	return New(store, pool), store
}

func TestRouter_Route_HonorsAccountIDOverride(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	pinned, err := store.Create(ctx, &account.Account{ID: "pin", Type: account.TypeCustomAPI, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = store.Create(ctx, &account.Account{ID: "other", Type: account.TypeCustomAPI, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	d, err := r.Route(ctx, pinned.ID, "claude-3-haiku", account.StrategyRandom)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Account.ID != "pin" {
		t.Fatalf("expected pinned account, got %s", d.Account.ID)
	}
}

func TestRouter_Route_AppliesModelMapping(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	a, err := store.Create(ctx, &account.Account{ID: "mapped", Type: account.TypeCustomAPI, Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.SetExtension(account.Extension{ModelMappings: []account.ModelMapping{
		{RequestModel: "claude-3-haiku", TargetModel: "gpt-4o-mini"},
	}}); err != nil {
		t.Fatalf("set extension: %v", err)
	}
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}

	d, err := r.Route(ctx, "mapped", "claude-3-haiku", account.StrategyRandom)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Model != "gpt-4o-mini" {
		t.Fatalf("expected mapped model, got %s", d.Model)
	}
}

func TestRouter_Route_UnmatchedModelPassesThroughVerbatim(t *testing.T) {
	r, store := newTestRouter(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, &account.Account{ID: "plain", Type: account.TypeCustomAPI, Enabled: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	d, err := r.Route(ctx, "plain", "claude-3-opus", account.StrategyRandom)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Model != "claude-3-opus" {
		t.Fatalf("expected verbatim model, got %s", d.Model)
	}
}

func TestRouter_Route_NoEligibleAccountsErrors(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Route(context.Background(), "", "claude-3-haiku", account.StrategyRandom)
	if err != account.ErrNoEligibleAccount {
		t.Fatalf("expected ErrNoEligibleAccount, got %v", err)
	}
}
