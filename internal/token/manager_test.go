package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/config"
)

type fakeRefresher struct {
	calls int32
	delay time.Duration
	fail  bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, a *account.Account) (refreshResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return refreshResult{}, errAuthTimeout
	}
	return refreshResult{
		AccessToken:  "new-access-" + a.ID,
		RefreshToken: "new-refresh-" + a.ID,
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}, nil
}

func newTestManagerStore(t *testing.T) *account.Store {
	t.Helper()
	s, err := account.Open(config.DBConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestManager_GetValidToken_RefreshesWhenExpiringSoon(t *testing.T) {
	store := newTestManagerStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, &account.Account{
		ID:             "acc1",
		Type:           account.TypeGemini,
		Enabled:        true,
		AccessToken:    "stale",
		TokenExpiresAt: time.Now().UTC().Add(time.Minute), // under the 5-minute floor
		RefreshToken:   "rt",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fr := &fakeRefresher{}
	m := NewManager(store, map[account.Type]Refresher{account.TypeGemini: fr})

	tok, err := m.GetValidToken(ctx, a)
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if tok != "new-access-acc1" {
		t.Fatalf("expected refreshed token, got %q", tok)
	}
	if atomic.LoadInt32(&fr.calls) != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", fr.calls)
	}

	reloaded, err := store.Get(ctx, "acc1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.RefreshToken != "new-refresh-acc1" {
		t.Fatalf("expected rotated refresh token persisted, got %q", reloaded.RefreshToken)
	}
}

func TestManager_GetValidToken_SkipsRefreshWhenFresh(t *testing.T) {
	store := newTestManagerStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, &account.Account{
		ID:             "acc2",
		Type:           account.TypeGemini,
		Enabled:        true,
		AccessToken:    "still-good",
		TokenExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fr := &fakeRefresher{}
	m := NewManager(store, map[account.Type]Refresher{account.TypeGemini: fr})

	tok, err := m.GetValidToken(ctx, a)
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if tok != "still-good" {
		t.Fatalf("expected cached token unchanged, got %q", tok)
	}
	if atomic.LoadInt32(&fr.calls) != 0 {
		t.Fatal("expected no refresh call for a fresh token")
	}
}

func TestManager_GetValidToken_FailureMarksAccountFailed(t *testing.T) {
	store := newTestManagerStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, &account.Account{
		ID:             "acc3",
		Type:           account.TypeGemini,
		Enabled:        true,
		TokenExpiresAt: time.Now().UTC().Add(-time.Hour),
		RefreshToken:   "rt",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fr := &fakeRefresher{fail: true}
	m := NewManager(store, map[account.Type]Refresher{account.TypeGemini: fr})

	if _, err := m.GetValidToken(ctx, a); err == nil {
		t.Fatal("expected refresh error")
	}

	reloaded, err := store.Get(ctx, "acc3")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LastRefreshStatus != account.RefreshStatusFailed {
		t.Fatalf("expected last_refresh_status=failed, got %q", reloaded.LastRefreshStatus)
	}
}

func TestManager_GetValidToken_CoalescesConcurrentRefreshes(t *testing.T) {
	store := newTestManagerStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, &account.Account{
		ID:             "acc4",
		Type:           account.TypeGemini,
		Enabled:        true,
		TokenExpiresAt: time.Now().UTC().Add(-time.Hour),
		RefreshToken:   "rt",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fr := &fakeRefresher{delay: 50 * time.Millisecond}
	m := NewManager(store, map[account.Type]Refresher{account.TypeGemini: fr})

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acct, _ := store.Get(ctx, "acc4")
			tok, err := m.GetValidToken(ctx, acct)
			if err != nil {
				t.Errorf("get valid token: %v", err)
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r != "new-access-acc4" {
			t.Fatalf("expected all callers to observe the refreshed token, got %q", r)
		}
	}
	if atomic.LoadInt32(&fr.calls) != 1 {
		t.Fatalf("expected refresh to run exactly once, got %d calls", fr.calls)
	}
}
