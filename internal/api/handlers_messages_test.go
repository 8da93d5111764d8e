package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/claude"
	"github.com/nulpointcorp/claude-gateway/internal/tokencount"
)

func TestHandleCountTokens_Basic(t *testing.T) {
	s := &Server{est: tokencount.New(nil)}

	req := claude.Request{
		Model:    "claude-3-sonnet",
		Messages: []claude.Message{{Role: "user", RawContent: json.RawMessage(`"hello there"`)}},
	}
	body, _ := json.Marshal(req)
	ctx := requestCtx(fasthttp.MethodPost, "/v1/messages/count_tokens", body)
	s.handleCountTokens(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var got map[string]int
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["input_tokens"] <= 0 {
		t.Fatalf("expected a positive token estimate, got %v", got)
	}
}

func TestHandleCountTokens_InvalidJSON(t *testing.T) {
	s := &Server{est: tokencount.New(nil)}
	ctx := requestCtx(fasthttp.MethodPost, "/v1/messages/count_tokens", []byte("not json"))
	s.handleCountTokens(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleHealth_DegradedWhenNoEnabledAccounts(t *testing.T) {
	store := newTestStore(t)
	s := &Server{store: store}

	ctx := requestCtx(fasthttp.MethodGet, "/health", nil)
	s.handleHealth(ctx)

	var got map[string]any
	_ = json.Unmarshal(ctx.Response.Body(), &got)
	if got["status"] != "degraded" {
		t.Fatalf("expected degraded status with no accounts, got %+v", got)
	}
}

func TestHandleHealth_OKWithEnabledAccount(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Create(context.Background(), &account.Account{Type: account.TypeAmazonQ, Enabled: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := &Server{store: store}

	ctx := requestCtx(fasthttp.MethodGet, "/health", nil)
	s.handleHealth(ctx)

	var got map[string]any
	_ = json.Unmarshal(ctx.Response.Body(), &got)
	if got["status"] != "ok" {
		t.Fatalf("expected ok status, got %+v", got)
	}
}
