// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — the credential store (SQLite or MySQL)
//  2. initServices — call-log recorder, account pool, token manager, prompt
//     cache simulator, router, usage tracker, token estimator
//  3. initChannels — the Amazon Q device authenticator
//  4. initServer   — the channel adapters, the orchestrator and the HTTP API
//     surface
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/api"
	"github.com/nulpointcorp/claude-gateway/internal/channel"
	"github.com/nulpointcorp/claude-gateway/internal/config"
	"github.com/nulpointcorp/claude-gateway/internal/metrics"
	"github.com/nulpointcorp/claude-gateway/internal/orchestrator"
	"github.com/nulpointcorp/claude-gateway/internal/promptcache"
	"github.com/nulpointcorp/claude-gateway/internal/routing"
	"github.com/nulpointcorp/claude-gateway/internal/token"
	"github.com/nulpointcorp/claude-gateway/internal/tokencount"
	"github.com/nulpointcorp/claude-gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	store   *account.Store
	callLog *account.CallLogRecorder
	pool    *account.Pool
	tokens  *token.Manager
	cache   *promptcache.Simulator
	router  *routing.Router
	usage   *usage.Tracker
	est     *tokencount.Estimator
	auth    *token.DeviceAuthenticator
	rdb     *redis.Client
	metrics *metrics.Registry

	orch *orchestrator.Orchestrator
	srv  *api.Server
}

// New initialises all subsystems and returns a ready-to-run App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"services", a.initServices},
		{"channels", a.initChannels},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("db_backend", dbBackendLabel(a.cfg.DB)),
	)
	return a.srv.Run(ctx, addr)
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.log.Error("usage tracker close error", slog.String("error", err.Error()))
		}
		a.usage = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Error("prompt cache close error", slog.String("error", err.Error()))
		}
		a.cache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis client close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}

func dbBackendLabel(cfg config.DBConfig) string {
	if cfg.MySQLDSN != "" {
		return "mysql"
	}
	return "sqlite"
}

// buildAdapterMap constructs the closed set of channel adapters (§9).
func buildAdapterMap(cfg *config.Config) map[account.Type]channel.Adapter {
	return map[account.Type]channel.Adapter{
		account.TypeAmazonQ:   channel.NewAmazonQ(cfg.AmazonQ.StreamEndpoint),
		account.TypeGemini:    channel.NewGemini(cfg.Gemini.DefaultAPIEndpoint),
		account.TypeCustomAPI: channel.NewCustomAPI(),
	}
}
