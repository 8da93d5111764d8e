package tokencount

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

func TestEstimateRequest_ZeroInputModelReturnsZero(t *testing.T) {
	e := New([]string{"local-tiny"})
	req := claude.Request{
		System:   json.RawMessage(`"be terse"`),
		Messages: []claude.Message{{Role: "user", RawContent: json.RawMessage(`"hello there"`)}},
	}
	if got := e.EstimateRequest(req, "local-tiny"); got != 0 {
		t.Fatalf("expected 0 for a zero-input model, got %d", got)
	}
}

func TestEstimateRequest_CountsSystemAndMessageText(t *testing.T) {
	e := New(nil)
	req := claude.Request{
		System:   json.RawMessage(`"be terse"`),
		Messages: []claude.Message{{Role: "user", RawContent: json.RawMessage(`"hello there, how are you today"`)}},
	}
	got := e.EstimateRequest(req, "claude-3-haiku")
	if got <= 0 {
		t.Fatalf("expected a positive estimate, got %d", got)
	}
}

func TestCount_EmptyStringIsZero(t *testing.T) {
	e := New(nil)
	if got := e.Count(""); got != 0 {
		t.Fatalf("expected 0 for empty string, got %d", got)
	}
}

func TestCacheKeyBytes_IsDeterministicForSameRequest(t *testing.T) {
	req := claude.Request{
		System:   json.RawMessage(`"be terse"`),
		Messages: []claude.Message{{Role: "user", RawContent: json.RawMessage(`"hi"`)}},
	}
	a := CacheKeyBytes(req)
	b := CacheKeyBytes(req)
	if string(a) != string(b) {
		t.Fatalf("expected identical byte output for the same request")
	}
}
