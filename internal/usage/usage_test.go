package usage

import (
	"context"
	"log/slog"
	"testing"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(slog.Default(), "")
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRecordAndGetSummary_AggregatesAcrossModels(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.Record(ctx, Record{Model: "claude-3-haiku", Channel: "custom_api", AccountID: "a1", InputTokens: 10, OutputTokens: 5})
	tr.Record(ctx, Record{Model: "claude-3-haiku", Channel: "custom_api", AccountID: "a1", InputTokens: 20, OutputTokens: 8})
	tr.Record(ctx, Record{Model: "gemini-pro", Channel: "gemini", AccountID: "a2", InputTokens: 30, OutputTokens: 12})

	sum := tr.GetSummary(PeriodAll)
	if sum.RequestCount != 3 {
		t.Fatalf("expected 3 records, got %d", sum.RequestCount)
	}
	if sum.InputTokens != 60 {
		t.Fatalf("expected 60 total input tokens, got %d", sum.InputTokens)
	}
	if sum.OutputTokens != 25 {
		t.Fatalf("expected 25 total output tokens, got %d", sum.OutputTokens)
	}
	if sum.ByModel["claude-3-haiku"] != 2 {
		t.Fatalf("expected 2 claude-3-haiku records, got %d", sum.ByModel["claude-3-haiku"])
	}
}

func TestGetSummary_HourExcludesNothingWhenAllRecent(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	tr.Record(ctx, Record{Model: "m", InputTokens: 1})

	sum := tr.GetSummary(PeriodHour)
	if sum.RequestCount != 1 {
		t.Fatalf("expected 1 record in the last hour, got %d", sum.RequestCount)
	}
}
