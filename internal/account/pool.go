package account

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Strategy selects one account from an eligible set (§4.4).
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastUsed          Strategy = "least_used"
	StrategyRandom             Strategy = "random"
)

// BreakerConfig mirrors the teacher's CBConfig shape (ErrorThreshold,
// RecoveryTimeout) but drives the simpler cooldown-based breaker this spec
// describes: there is no half-open probe state, just a cooldown window
// recorded directly on the account row.
type BreakerConfig struct {
	Enabled         bool
	ErrorThreshold  int
	RecoveryTimeout time.Duration
}

// Pool is the account pool / selector (C4). It owns the round-robin cursor
// and is safe for concurrent use; selection itself never blocks on I/O
// (§5), only the subsequent Store read/write does.
type Pool struct {
	store   *Store
	logs    *CallLogRecorder
	breaker BreakerConfig

	mu     sync.Mutex
	rrCursor int
}

func NewPool(store *Store, logs *CallLogRecorder, breaker BreakerConfig) *Pool {
	return &Pool{store: store, logs: logs, breaker: breaker}
}

// ErrNoEligibleAccount is returned when the eligibility filter leaves no
// candidate — the caller maps this to NoEligibleAccount → 503 (§7).
var ErrNoEligibleAccount = fmt.Errorf("account: no eligible account")

// SelectOptions narrows the eligible set before a strategy is applied.
type SelectOptions struct {
	Type     Type   // "" = any type
	Model    string // when Type == gemini, require per-model quota > 0
	Strategy Strategy
}

// Select runs the eligibility filter then the chosen strategy (§4.4).
// Selection updates last_used_at and increments request_count atomically
// before returning, matching "selection updates last_used_at... atomically."
func (p *Pool) Select(ctx context.Context, opts SelectOptions) (*Account, error) {
	candidates, err := p.eligible(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAccount
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyWeightedRoundRobin
	}

	var chosen *Account
	switch strategy {
	case StrategyRoundRobin:
		chosen = p.pickRoundRobin(candidates)
	case StrategyWeightedRoundRobin:
		chosen = p.pickWeighted(candidates)
	case StrategyLeastUsed:
		chosen = p.pickLeastUsed(candidates)
	default:
		chosen = candidates[rand.Intn(len(candidates))]
	}

	now := time.Now().UTC()
	if err := p.store.db.WithContext(ctx).Model(&Account{}).Where("id = ?", chosen.ID).
		Updates(map[string]any{"request_count": gorm.Expr("request_count + 1"), "last_used_at": now}).Error; err != nil {
		// Counter bump failure shouldn't block dispatch; the account is
		// still usable, just under-counted this one time.
		_ = err
	}
	chosen.RequestCount++
	chosen.LastUsedAt = now
	return chosen, nil
}

// SelectByID looks an account up directly, bypassing the weighted-selection
// step as §4.6/§9 require for X-Account-ID pins — but still respects
// Enabled.
func (p *Pool) SelectByID(ctx context.Context, id string) (*Account, error) {
	a, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil || !a.Enabled {
		return nil, ErrNoEligibleAccount
	}
	return a, nil
}

func (p *Pool) eligible(ctx context.Context, opts SelectOptions) ([]*Account, error) {
	all, err := p.store.List(ctx, opts.Type)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]*Account, 0, len(all))
	for _, a := range all {
		if !a.Eligible(now) {
			continue
		}
		if a.RateLimitPerHour > 0 {
			n, err := p.logs.CountInWindow(ctx, a.ID, time.Hour)
			if err != nil {
				continue
			}
			if n >= a.RateLimitPerHour {
				continue
			}
		}
		if opts.Model != "" && a.Type == TypeGemini {
			ext, err := a.Extension()
			if err == nil && ext.ModelQuotas != nil {
				if q, ok := ext.ModelQuotas[opts.Model]; ok {
					if q.Remaining <= 0 && q.ResetAt.After(now) {
						continue
					}
				}
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// pickRoundRobin iterates a stable id-sorted order with a monotonic cursor.
func (p *Pool) pickRoundRobin(candidates []*Account) *Account {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	p.mu.Lock()
	idx := p.rrCursor % len(candidates)
	p.rrCursor++
	p.mu.Unlock()
	return candidates[idx]
}

// pickWeighted does weighted-random selection (probability = weight /
// Σweights), ties broken lexicographically by id via the sort below so the
// accumulation order is deterministic.
func (p *Pool) pickWeighted(candidates []*Account) *Account {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	total := 0
	for _, a := range candidates {
		w := a.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}

	r := rand.Intn(total)
	for _, a := range candidates {
		w := a.Weight
		if w <= 0 {
			w = 1
		}
		if r < w {
			return a
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

// pickLeastUsed is the argmin over request_count, tied-break by
// last_used_at ascending then id.
func (p *Pool) pickLeastUsed(candidates []*Account) *Account {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.RequestCount != b.RequestCount {
			return a.RequestCount < b.RequestCount
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// RecordSuccess resets the consecutive-error streak (§4.4).
func (p *Pool) RecordSuccess(ctx context.Context, id string) error {
	return p.store.UpdateCounters(ctx, id, true)
}

// RecordFailure bumps error_streak and, once the threshold is reached,
// opens the breaker by setting cooldown_until = now + recovery_timeout
// (§4.4). This is intentionally not a tri-state breaker: the spec's
// breaker is just a streak counter plus a cooldown timestamp, already
// fields on Account, so no separate in-memory state is needed.
func (p *Pool) RecordFailure(ctx context.Context, id string) error {
	if err := p.store.UpdateCounters(ctx, id, false); err != nil {
		return err
	}
	if !p.breaker.Enabled {
		return nil
	}
	a, err := p.store.Get(ctx, id)
	if err != nil || a == nil {
		return err
	}
	threshold := p.breaker.ErrorThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if a.ErrorStreak >= threshold {
		recovery := p.breaker.RecoveryTimeout
		if recovery <= 0 {
			recovery = 300 * time.Second
		}
		return p.store.SetCooldown(ctx, id, time.Now().UTC().Add(recovery))
	}
	return nil
}

// ForceOpen immediately opens the breaker regardless of error_streak — used
// for 429 responses (§4.4, §4.9 step 5, §7 UpstreamRateLimit).
func (p *Pool) ForceOpen(ctx context.Context, id string) error {
	if err := p.store.UpdateCounters(ctx, id, false); err != nil {
		return err
	}
	recovery := p.breaker.RecoveryTimeout
	if recovery <= 0 {
		recovery = 300 * time.Second
	}
	return p.store.SetCooldown(ctx, id, time.Now().UTC().Add(recovery))
}

// Cooldown sets a short cooldown without touching error_streak — used for
// Gemini's per-minute rate-limit distinction (§4.9 "Failover for 429").
func (p *Pool) Cooldown(ctx context.Context, id string, d time.Duration) error {
	return p.store.SetCooldown(ctx, id, time.Now().UTC().Add(d))
}

// StateLabel reports "closed" or "open" for display purposes (§D.1 stats
// endpoint): open iff the account's cooldown is still in the future.
func (p *Pool) StateLabel(a *Account) string {
	if a.CooldownUntil.After(time.Now().UTC()) {
		return "open"
	}
	return "closed"
}
