package account

import (
	"context"
	"testing"
	"time"
)

func TestCallLogRecorder_RecordAndCountInWindow(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "acct-1", 10)
	r := NewCallLogRecorder(s, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Record(ctx, "acct-1", "claude-3-sonnet"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	n, err := r.CountInWindow(ctx, "acct-1", time.Hour)
	if err != nil {
		t.Fatalf("count in window: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 calls in window, got %d", n)
	}
}

func TestCallLogRecorder_CountInWindow_ExcludesOlderRows(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "acct-1", 10)
	r := NewCallLogRecorder(s, nil)
	ctx := context.Background()

	if err := s.db.WithContext(ctx).Create(&CallLog{
		AccountID: "acct-1",
		Timestamp: time.Now().UTC().Add(-2 * time.Hour),
		Model:     "claude-3-sonnet",
	}).Error; err != nil {
		t.Fatalf("seed old row: %v", err)
	}
	if err := r.Record(ctx, "acct-1", "claude-3-sonnet"); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := r.CountInWindow(ctx, "acct-1", time.Hour)
	if err != nil {
		t.Fatalf("count in window: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the 2h-old row excluded, got %d", n)
	}
}

func TestCallLogRecorder_Stats(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "acct-1", 10)
	r := NewCallLogRecorder(s, nil)
	ctx := context.Background()

	if err := r.Record(ctx, "acct-1", "claude-3-sonnet"); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := r.Stats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.LastHour != 1 || stats.Last24h != 1 || stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCallLogRecorder_Stats_UnknownAccountIsZero(t *testing.T) {
	s := newTestStore(t)
	r := NewCallLogRecorder(s, nil)

	stats, err := r.Stats(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.LastHour != 0 || stats.Last24h != 0 || stats.Total != 0 {
		t.Fatalf("expected all-zero stats for unknown account, got %+v", stats)
	}
}

func TestCallLogRecorder_Purge_DeletesOldRows(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "acct-1", 10)
	r := NewCallLogRecorder(s, nil)
	ctx := context.Background()

	if err := s.db.WithContext(ctx).Create(&CallLog{
		AccountID: "acct-1",
		Timestamp: time.Now().UTC().Add(-8 * 24 * time.Hour),
		Model:     "claude-3-sonnet",
	}).Error; err != nil {
		t.Fatalf("seed stale row: %v", err)
	}
	if err := r.Record(ctx, "acct-1", "claude-3-sonnet"); err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := r.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	stats, err := r.Stats(ctx, "acct-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected 1 surviving row, got %d", stats.Total)
	}
}
