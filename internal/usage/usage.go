// Package usage implements the usage tracker (C10): one record per
// successful completion, written both as a structured log line and (when
// configured) to ClickHouse for durable aggregation. get_summary answers
// from an in-process ring buffer so the API surface never blocks on the
// analytics sink being reachable.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Period enumerates the windows get_summary aggregates over (§4.10).
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Record is one completed request's usage row (§4.10).
type Record struct {
	Timestamp              time.Time
	Model                  string
	Channel                string
	AccountID              string
	InputTokens            int
	OutputTokens           int
	CacheCreationTokens    int
	CacheReadTokens        int
}

// Summary aggregates a set of Records.
type Summary struct {
	Period              Period
	RequestCount        int
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	ByModel             map[string]int64 // request count per model
}

const ringCapacity = 200000

// Tracker is the C10 process-lifetime singleton: an in-memory ring buffer
// backing get_summary, plus an optional ClickHouse sink for durable
// analytics and a slog line per record for operators without ClickHouse
// configured.
type Tracker struct {
	log *slog.Logger
	ch  clickhouse.Conn // nil when no DSN configured

	mu     sync.Mutex
	ring   []Record
	cursor int
	filled bool
}

// New builds a Tracker. dsn may be empty, in which case records are only
// logged via slog and kept in the ring buffer.
func New(log *slog.Logger, dsn string) (*Tracker, error) {
	t := &Tracker{log: log, ring: make([]Record, ringCapacity)}
	if dsn == "" {
		return t, nil
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("usage: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("usage: open clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createUsageTableSQL); err != nil {
		return nil, fmt.Errorf("usage: create table: %w", err)
	}
	t.ch = conn
	return t, nil
}

const createUsageTableSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
	ts DateTime,
	model String,
	channel String,
	account_id String,
	input_tokens UInt32,
	output_tokens UInt32,
	cache_creation_tokens UInt32,
	cache_read_tokens UInt32
) ENGINE = MergeTree()
ORDER BY ts
`

// Record appends one usage row (§4.10 "on every successful completion").
// ClickHouse insert failures are logged but never propagated — the ring
// buffer and slog line are the durability floor this component promises.
func (t *Tracker) Record(ctx context.Context, r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	t.log.Info("usage recorded",
		slog.String("model", r.Model),
		slog.String("channel", r.Channel),
		slog.String("account_id", r.AccountID),
		slog.Int("input_tokens", r.InputTokens),
		slog.Int("output_tokens", r.OutputTokens),
		slog.Int("cache_creation_tokens", r.CacheCreationTokens),
		slog.Int("cache_read_tokens", r.CacheReadTokens),
	)

	t.mu.Lock()
	t.ring[t.cursor] = r
	t.cursor = (t.cursor + 1) % len(t.ring)
	if t.cursor == 0 {
		t.filled = true
	}
	t.mu.Unlock()

	if t.ch == nil {
		return
	}
	err := t.ch.Exec(ctx, `INSERT INTO usage_records
		(ts, model, channel, account_id, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Model, r.Channel, r.AccountID,
		r.InputTokens, r.OutputTokens, r.CacheCreationTokens, r.CacheReadTokens,
	)
	if err != nil {
		t.log.Warn("usage: clickhouse insert failed", slog.String("error", err.Error()))
	}
}

// GetSummary aggregates the in-memory ring buffer over the given period
// (§4.10). No materialized view is required — the ring buffer is bounded
// and scanned in full on every call, which is acceptable at this scale.
func (t *Tracker) GetSummary(period Period) Summary {
	cutoff := cutoffFor(period)

	t.mu.Lock()
	records := t.snapshotLocked()
	t.mu.Unlock()

	sum := Summary{Period: period, ByModel: map[string]int64{}}
	for _, r := range records {
		if !cutoff.IsZero() && r.Timestamp.Before(cutoff) {
			continue
		}
		sum.RequestCount++
		sum.InputTokens += int64(r.InputTokens)
		sum.OutputTokens += int64(r.OutputTokens)
		sum.CacheCreationTokens += int64(r.CacheCreationTokens)
		sum.CacheReadTokens += int64(r.CacheReadTokens)
		sum.ByModel[r.Model]++
	}
	return sum
}

func (t *Tracker) snapshotLocked() []Record {
	if !t.filled {
		out := make([]Record, t.cursor)
		copy(out, t.ring[:t.cursor])
		return out
	}
	out := make([]Record, len(t.ring))
	copy(out, t.ring[t.cursor:])
	copy(out[len(t.ring)-t.cursor:], t.ring[:t.cursor])
	return out
}

func cutoffFor(period Period) time.Time {
	now := time.Now().UTC()
	switch period {
	case PeriodHour:
		return now.Add(-time.Hour)
	case PeriodDay:
		return now.Add(-24 * time.Hour)
	case PeriodWeek:
		return now.Add(-7 * 24 * time.Hour)
	case PeriodMonth:
		return now.Add(-30 * 24 * time.Hour)
	default:
		return time.Time{}
	}
}

// Close releases the ClickHouse connection, if any (§9 explicit lifecycle).
func (t *Tracker) Close() error {
	if t.ch == nil {
		return nil
	}
	return t.ch.Close()
}
