package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/config"
	"github.com/nulpointcorp/claude-gateway/internal/token"
)

func newTestStore(t *testing.T) *account.Store {
	t.Helper()
	s, err := account.Open(config.DBConfig{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestAPIServer(t *testing.T) *Server {
	t.Helper()
	store := newTestStore(t)
	callLog := account.NewCallLogRecorder(store, nil)
	tokens := token.NewManager(store, map[account.Type]token.Refresher{})
	return &Server{
		store:   store,
		callLog: callLog,
		tokens:  tokens,
	}
}

func requestCtx(method, path string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestHandleCreateAccount_Success(t *testing.T) {
	s := newTestAPIServer(t)
	body, _ := json.Marshal(createAccountRequest{
		Type:   account.TypeCustomAPI,
		Label:  "test account",
		Weight: 10,
	})
	ctx := requestCtx(fasthttp.MethodPost, "/v2/accounts", body)
	s.handleCreateAccount(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var got accountView
	if err := json.Unmarshal(ctx.Response.Body(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID == "" {
		t.Fatal("expected a generated id")
	}
	if got.Label != "test account" || got.Weight != 10 {
		t.Fatalf("unexpected account view: %+v", got)
	}
}

func TestHandleCreateAccount_MissingType(t *testing.T) {
	s := newTestAPIServer(t)
	body, _ := json.Marshal(createAccountRequest{Label: "no type"})
	ctx := requestCtx(fasthttp.MethodPost, "/v2/accounts", body)
	s.handleCreateAccount(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleListAccounts_FiltersByType(t *testing.T) {
	s := newTestAPIServer(t)
	ctxBg := context.Background()
	_, err := s.store.Create(ctxBg, &account.Account{Type: account.TypeAmazonQ, Label: "q1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = s.store.Create(ctxBg, &account.Account{Type: account.TypeGemini, Label: "g1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx := requestCtx(fasthttp.MethodGet, "/v2/accounts?type=gemini", nil)
	s.handleListAccounts(ctx)

	var views []accountView
	if err := json.Unmarshal(ctx.Response.Body(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 || views[0].Type != account.TypeGemini {
		t.Fatalf("expected one gemini account, got %+v", views)
	}
}

func TestHandleUpdateAccount_PartialUpdate(t *testing.T) {
	s := newTestAPIServer(t)
	created, err := s.store.Create(context.Background(), &account.Account{Type: account.TypeCustomAPI, Label: "orig", Weight: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"label": "renamed"})
	ctx := requestCtx(fasthttp.MethodPatch, "/v2/accounts/"+created.ID, body)
	ctx.SetUserValue("id", created.ID)
	s.handleUpdateAccount(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var got accountView
	_ = json.Unmarshal(ctx.Response.Body(), &got)
	if got.Label != "renamed" || got.Weight != 5 {
		t.Fatalf("expected label updated and weight preserved, got %+v", got)
	}
}

func TestHandleDeleteAccount_NoContent(t *testing.T) {
	s := newTestAPIServer(t)
	created, err := s.store.Create(context.Background(), &account.Account{Type: account.TypeCustomAPI})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := requestCtx(fasthttp.MethodDelete, "/v2/accounts/"+created.ID, nil)
	ctx.SetUserValue("id", created.ID)
	s.handleDeleteAccount(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("expected 204, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleRefreshAccount_CustomAPIReturnsStaticKey(t *testing.T) {
	s := newTestAPIServer(t)
	created, err := s.store.Create(context.Background(), &account.Account{
		Type:         account.TypeCustomAPI,
		ClientSecret: "static-key",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx := requestCtx(fasthttp.MethodPost, "/v2/accounts/"+created.ID+"/refresh", nil)
	ctx.SetUserValue("id", created.ID)
	s.handleRefreshAccount(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestHandleAccountStats_UnknownAccount(t *testing.T) {
	s := newTestAPIServer(t)
	ctx := requestCtx(fasthttp.MethodGet, "/v2/accounts/missing/stats", nil)
	ctx.SetUserValue("id", "missing")
	s.handleAccountStats(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected stats for an unknown id to still report zero counts, got %d", ctx.Response.StatusCode())
	}
}
