// Package promptcache implements the prompt-cache simulator (C5): a
// content-addressed, in-memory metadata emulator for Claude's cache-stat
// usage fields. It never touches upstream traffic — it only tracks which
// cacheable prefixes have been "seen" recently so the orchestrator can
// report plausible cache_creation_input_tokens / cache_read_input_tokens.
package promptcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Entry is one cached prefix (§3 CacheEntry).
type Entry struct {
	Key          string
	TokenCount   int
	CreatedAt    time.Time
	LastAccessed time.Time
}

// Result is what check() reports back to the orchestrator.
type Result struct {
	Hit                 bool
	CacheReadTokens     int
	CacheCreationTokens int
}

// Stats is a snapshot of hit/miss counters for observability.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

const (
	minTTL        = 60 * time.Second
	maxTTL        = 7 * 24 * time.Hour
	minMaxEntries = 100
	maxMaxEntries = 100000

	defaultTTL        = 24 * time.Hour
	defaultMaxEntries = 5000
)

// Simulator is one of the two process-lifetime singletons (§9): it owns an
// in-memory map and must be constructed once and explicitly closed by the
// server process, never lazily initialized at package scope.
type Simulator struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*Entry
	hits    int64
	misses  int64
}

// New builds a Simulator, clamping ttl/maxEntries to the ranges §4.5
// mandates and falling back to the spec defaults when zero.
func New(ttl time.Duration, maxEntries int) *Simulator {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if maxEntries < minMaxEntries {
		maxEntries = minMaxEntries
	}
	if maxEntries > maxMaxEntries {
		maxEntries = maxMaxEntries
	}
	return &Simulator{ttl: ttl, maxEntries: maxEntries, entries: map[string]*Entry{}}
}

// Key returns the hex SHA-256 of content. The orchestrator passes
// tokencount.CacheKeyBytes: the system text, every message's raw content in
// order, then the tool list. cache_control markers are not consulted, so
// the whole request is hashed, not a prefix ending at the last marker.
func Key(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Check evicts stale entries, then looks up key. A hit refreshes
// last_accessed and reports the entry's cached token count as
// cache_read_tokens; a miss inserts (key, tokenCount) — evicting the
// lowest-priority 10% first if the map is already full — and reports
// tokenCount as cache_creation_tokens (§4.5 steps 1-3).
func (s *Simulator) Check(key string, tokenCount int) Result {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked(now)

	if e, ok := s.entries[key]; ok {
		e.LastAccessed = now
		s.hits++
		return Result{Hit: true, CacheReadTokens: e.TokenCount}
	}

	if len(s.entries) >= s.maxEntries {
		s.evictBatchLocked()
	}

	s.entries[key] = &Entry{
		Key:          key,
		TokenCount:   tokenCount,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.misses++
	return Result{Hit: false, CacheCreationTokens: tokenCount}
}

// Prewarm inserts entries without marking them as more recently accessed
// than now, so a prewarmed entry ages out on the same schedule as one
// reached through normal traffic.
func (s *Simulator) Prewarm(contents [][]byte, tokenCounts []int) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range contents {
		tc := 0
		if i < len(tokenCounts) {
			tc = tokenCounts[i]
		}
		k := Key(c)
		if _, exists := s.entries[k]; exists {
			continue
		}
		if len(s.entries) >= s.maxEntries {
			s.evictBatchLocked()
		}
		s.entries[k] = &Entry{Key: k, TokenCount: tc, CreatedAt: now, LastAccessed: now}
	}
}

// Stats reports current occupancy and cumulative hit/miss counts.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Entries: len(s.entries), Hits: s.hits, Misses: s.misses}
}

// Close releases the map. The simulator carries no background goroutine —
// eviction is lazy, driven by Check — so Close exists only to satisfy the
// explicit init/shutdown lifecycle §9 requires of this singleton.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]*Entry{}
	return nil
}

func (s *Simulator) evictExpiredLocked(now time.Time) {
	for k, e := range s.entries {
		if now.Sub(e.LastAccessed) > s.ttl {
			delete(s.entries, k)
		}
	}
}

// evictBatchLocked removes ceil(maxEntries * 10%) entries, chosen by
// ascending (last_accessed, token_count) — P-C2.
func (s *Simulator) evictBatchLocked() {
	n := (s.maxEntries + 9) / 10
	if n < 1 {
		n = 1
	}

	ordered := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		return a.TokenCount < b.TokenCount
	})

	if n > len(ordered) {
		n = len(ordered)
	}
	for _, e := range ordered[:n] {
		delete(s.entries, e.Key)
	}
}
