// Package api exposes the Claude-compatible HTTP surface (§4.11): the
// streaming /v1/messages endpoint, the token-counting helper, the /v2
// account and device-auth admin routes, and /health.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/metrics"
	"github.com/nulpointcorp/claude-gateway/internal/orchestrator"
	"github.com/nulpointcorp/claude-gateway/internal/token"
	"github.com/nulpointcorp/claude-gateway/internal/tokencount"
	"github.com/nulpointcorp/claude-gateway/internal/usage"
)

// Config carries the subset of config.Config the API surface needs, kept
// narrow so this package doesn't import internal/config directly.
type Config struct {
	APIKey                 string
	AdminKey               string
	DisableInputValidation bool
	MaxInputTokens         int
	CORSOrigins            []string
}

// Server wires the orchestrator, account store, device authenticator, usage
// tracker and estimator to the HTTP surface and owns the fasthttp.Server.
type Server struct {
	cfg     Config
	log     *slog.Logger
	store   *account.Store
	pool    *account.Pool
	orch    *orchestrator.Orchestrator
	auth    *token.DeviceAuthenticator
	tokens  *token.Manager
	callLog *account.CallLogRecorder
	usage   *usage.Tracker
	est     *tokencount.Estimator
	metrics *metrics.Registry

	startTime time.Time
	srv       *fasthttp.Server
}

func New(cfg Config, log *slog.Logger, store *account.Store, pool *account.Pool, orch *orchestrator.Orchestrator, auth *token.DeviceAuthenticator, tokens *token.Manager, callLog *account.CallLogRecorder, usageTracker *usage.Tracker, est *tokencount.Estimator, reg *metrics.Registry) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		log:       log,
		store:     store,
		pool:      pool,
		orch:      orch,
		auth:      auth,
		tokens:    tokens,
		callLog:   callLog,
		usage:     usageTracker,
		est:       est,
		metrics:   reg,
		startTime: time.Now(),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	r := router.New()

	r.POST("/v1/messages", applyMiddleware(s.handleMessages, apiKeyAuth(s.cfg.APIKey)))
	r.POST("/v1/gemini/messages", applyMiddleware(s.handleGeminiMessages, apiKeyAuth(s.cfg.APIKey)))
	r.POST("/v1/messages/count_tokens", applyMiddleware(s.handleCountTokens, apiKeyAuth(s.cfg.APIKey)))
	r.GET("/v1/usage", applyMiddleware(s.handleUsage, apiKeyAuth(s.cfg.APIKey)))

	r.GET("/v2/accounts", applyMiddleware(s.handleListAccounts, adminKeyAuth(s.cfg.AdminKey)))
	r.POST("/v2/accounts", applyMiddleware(s.handleCreateAccount, adminKeyAuth(s.cfg.AdminKey)))
	r.PATCH("/v2/accounts/{id}", applyMiddleware(s.handleUpdateAccount, adminKeyAuth(s.cfg.AdminKey)))
	r.DELETE("/v2/accounts/{id}", applyMiddleware(s.handleDeleteAccount, adminKeyAuth(s.cfg.AdminKey)))
	r.POST("/v2/accounts/{id}/refresh", applyMiddleware(s.handleRefreshAccount, adminKeyAuth(s.cfg.AdminKey)))
	r.GET("/v2/accounts/{id}/stats", applyMiddleware(s.handleAccountStats, adminKeyAuth(s.cfg.AdminKey)))

	r.POST("/v2/auth/start", applyMiddleware(s.handleAuthStart, adminKeyAuth(s.cfg.AdminKey)))
	r.POST("/v2/auth/claim/{authId}", applyMiddleware(s.handleAuthClaim, adminKeyAuth(s.cfg.AdminKey)))
	r.GET("/v2/auth/status/{authId}", applyMiddleware(s.handleAuthStatus, adminKeyAuth(s.cfg.AdminKey)))

	r.GET("/health", s.handleHealth)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		metricsMiddleware(s.metrics),
		corsHandler(s.cfg.CORSOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler: handler,
		// Streaming responses can run far longer than a typical request —
		// the per-request deadline is enforced by the orchestrator (§5
		// "overall request deadline"), not by the server's write timeout.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 0,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.ShutdownWithContext(shutdownCtx)
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	accounts, err := s.store.List(ctx, "")
	if err != nil {
		writeJSON(ctx, map[string]any{"status": "degraded"})
		return
	}
	enabled := 0
	for _, a := range accounts {
		if a.Enabled {
			enabled++
		}
	}
	status := "ok"
	if enabled == 0 {
		status = "degraded"
	}
	resp := map[string]any{
		"status":          status,
		"enabled_accounts": enabled,
		"total_accounts":   len(accounts),
	}
	if len(accounts) > 0 {
		resp["tested_account"] = accounts[0].ID
	}
	writeJSON(ctx, resp)
}
