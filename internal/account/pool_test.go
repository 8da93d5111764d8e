package account

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-gateway/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.DBConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, id string, weight int) *Account {
	t.Helper()
	a, err := s.Create(context.Background(), &Account{
		ID:      id,
		Type:    TypeCustomAPI,
		Enabled: true,
		Weight:  weight,
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return a
}

func TestPool_Select_NoEligibleAccounts(t *testing.T) {
	s := newTestStore(t)
	p := NewPool(s, NewCallLogRecorder(s, nil), BreakerConfig{})
	_, err := p.Select(context.Background(), SelectOptions{})
	if err != ErrNoEligibleAccount {
		t.Fatalf("expected ErrNoEligibleAccount, got %v", err)
	}
}

func TestPool_Select_RoundRobin_IsUnbiasedUnderEqualWeight(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "a", 50)
	mustCreate(t, s, "b", 50)
	mustCreate(t, s, "c", 50)

	p := NewPool(s, NewCallLogRecorder(s, nil), BreakerConfig{})
	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		a, err := p.Select(context.Background(), SelectOptions{Strategy: StrategyRoundRobin})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[a.ID]++
	}
	for id, c := range counts {
		if c != 10 {
			t.Fatalf("round robin biased: %s got %d of 30", id, c)
		}
	}
}

func TestPool_Select_Weighted_FavorsHigherWeight(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "heavy", 990)
	mustCreate(t, s, "light", 10)

	p := NewPool(s, NewCallLogRecorder(s, nil), BreakerConfig{})
	counts := map[string]int{}
	for i := 0; i < 500; i++ {
		a, err := p.Select(context.Background(), SelectOptions{Strategy: StrategyWeightedRoundRobin})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[a.ID]++
	}
	if counts["heavy"] <= counts["light"] {
		t.Fatalf("expected heavy to dominate, got heavy=%d light=%d", counts["heavy"], counts["light"])
	}
}

func TestPool_Select_LeastUsed_PicksLowestRequestCount(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "used", 50)
	mustCreate(t, s, "fresh", 50)

	ctx := context.Background()
	if err := s.db.Model(&Account{}).Where("id = ?", "used").Update("request_count", 100).Error; err != nil {
		t.Fatalf("seed request_count: %v", err)
	}

	p := NewPool(s, NewCallLogRecorder(s, nil), BreakerConfig{})
	a, err := p.Select(ctx, SelectOptions{Strategy: StrategyLeastUsed})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.ID != "fresh" {
		t.Fatalf("expected fresh, got %s", a.ID)
	}
}

func TestPool_RecordFailure_OpensBreakerAtThreshold(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "flaky", 50)
	ctx := context.Background()

	p := NewPool(s, NewCallLogRecorder(s, nil), BreakerConfig{
		Enabled:         true,
		ErrorThreshold:  2,
		RecoveryTimeout: time.Minute,
	})

	if err := p.RecordFailure(ctx, "flaky"); err != nil {
		t.Fatalf("record failure 1: %v", err)
	}
	a, _ := s.Get(ctx, "flaky")
	if a.CooldownUntil.After(time.Now().UTC()) {
		t.Fatal("breaker opened before threshold reached")
	}

	if err := p.RecordFailure(ctx, "flaky"); err != nil {
		t.Fatalf("record failure 2: %v", err)
	}
	a, _ = s.Get(ctx, "flaky")
	if !a.CooldownUntil.After(time.Now().UTC()) {
		t.Fatal("expected breaker to open at threshold")
	}

	_, err := p.Select(ctx, SelectOptions{})
	if err != ErrNoEligibleAccount {
		t.Fatalf("expected account excluded while breaker open, got %v", err)
	}
}

func TestPool_ForceOpen_BypassesThreshold(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "solo", 50)
	ctx := context.Background()

	p := NewPool(s, NewCallLogRecorder(s, nil), BreakerConfig{
		Enabled:         true,
		ErrorThreshold:  5,
		RecoveryTimeout: time.Minute,
	})

	if err := p.ForceOpen(ctx, "solo"); err != nil {
		t.Fatalf("force open: %v", err)
	}
	_, err := p.Select(ctx, SelectOptions{})
	if err != ErrNoEligibleAccount {
		t.Fatalf("expected force-open to exclude account, got %v", err)
	}
}

func TestPool_Select_RespectsRateLimitWindow(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "limited", 50)
	a.RateLimitPerHour = 1
	if err := s.Update(context.Background(), a); err != nil {
		t.Fatalf("update: %v", err)
	}

	logs := NewCallLogRecorder(s, nil)
	ctx := context.Background()
	if err := logs.Record(ctx, "limited", "some-model"); err != nil {
		t.Fatalf("record: %v", err)
	}

	p := NewPool(s, logs, BreakerConfig{})
	_, err := p.Select(ctx, SelectOptions{})
	if err != ErrNoEligibleAccount {
		t.Fatalf("expected rate-limited account excluded, got %v", err)
	}
}

func TestPool_SelectByID_IgnoresWeightButRespectsEnabled(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "pinned", 1)
	a.Enabled = false
	if err := s.Update(context.Background(), a); err != nil {
		t.Fatalf("update: %v", err)
	}

	p := NewPool(s, NewCallLogRecorder(s, nil), BreakerConfig{})
	_, err := p.SelectByID(context.Background(), "pinned")
	if err != ErrNoEligibleAccount {
		t.Fatalf("expected disabled pinned account rejected, got %v", err)
	}
}
