package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/api"
	"github.com/nulpointcorp/claude-gateway/internal/metrics"
	"github.com/nulpointcorp/claude-gateway/internal/orchestrator"
	"github.com/nulpointcorp/claude-gateway/internal/promptcache"
	"github.com/nulpointcorp/claude-gateway/internal/routing"
	"github.com/nulpointcorp/claude-gateway/internal/token"
	"github.com/nulpointcorp/claude-gateway/internal/tokencount"
	"github.com/nulpointcorp/claude-gateway/internal/usage"
)

// initStore opens the credential store (C1), selecting MySQL over SQLite
// when a DSN is configured.
func (a *App) initStore(_ context.Context) error {
	store, err := account.Open(a.cfg.DB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.log.Info("credential store opened")
	return nil
}

// initServices builds the call-log recorder, account pool, token manager,
// prompt-cache simulator, router, usage tracker and token estimator (C2-C6,
// C9's remaining dependencies, C10).
func (a *App) initServices(_ context.Context) error {
	var rdb *redis.Client
	if a.cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
	}
	a.rdb = rdb
	a.callLog = account.NewCallLogRecorder(a.store, rdb)

	a.pool = account.NewPool(a.store, a.callLog, account.BreakerConfig{
		Enabled:         a.cfg.CircuitBreaker.Enabled,
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		RecoveryTimeout: a.cfg.CircuitBreaker.RecoveryTimeout,
	})

	refreshers := map[account.Type]token.Refresher{
		account.TypeAmazonQ: token.NewAmazonQRefresher(a.cfg.AmazonQ),
		account.TypeGemini:  token.NewGeminiRefresher(a.cfg.Gemini),
	}
	a.tokens = token.NewManager(a.store, refreshers)

	a.cache = promptcache.New(a.cfg.Cache.TTL, a.cfg.Cache.MaxEntries)
	a.router = routing.New(a.store, a.pool)
	a.est = tokencount.New(a.cfg.ZeroInputTokenModels)

	usageTracker, err := usage.New(a.log, a.cfg.ClickHouse.DSN)
	if err != nil {
		return fmt.Errorf("usage tracker: %w", err)
	}
	a.usage = usageTracker

	a.metrics = metrics.New()
	a.metrics.SetBuildInfo(a.version)

	a.log.Info("services initialized", slog.Bool("cache_enabled", a.cfg.Cache.Enabled))
	return nil
}

// initChannels builds the Amazon Q device authenticator used by the
// /v2/auth/* admin routes. The adapter set (C7/C8) is built in initServer.
func (a *App) initChannels(_ context.Context) error {
	awsCfg := aws.Config{
		Region:      a.cfg.AmazonQ.Region,
		Credentials: awscreds.NewStaticCredentialsProvider("", "", ""),
	}
	ssoClient := ssooidc.NewFromConfig(awsCfg, func(o *ssooidc.Options) {
		if a.cfg.AmazonQ.OIDCEndpoint != "" {
			o.BaseEndpoint = aws.String(a.cfg.AmazonQ.OIDCEndpoint)
		}
	})
	a.auth = token.NewDeviceAuthenticator(ssoClient)
	return nil
}

// initServer builds the orchestrator and the HTTP API surface.
func (a *App) initServer(_ context.Context) error {
	a.orch = orchestrator.New(orchestrator.Deps{
		Router:    a.router,
		Tokens:    a.tokens,
		Cache:     a.cache,
		Pool:      a.pool,
		CallLog:   a.callLog,
		Usage:     a.usage,
		Estimator: a.est,
		Adapters:  buildAdapterMap(a.cfg),
		Metrics:   a.metrics,
		Log:       a.log,
	})

	apiCfg := api.Config{
		APIKey:                 a.cfg.APIKey,
		AdminKey:               a.cfg.AdminKey,
		DisableInputValidation: a.cfg.Validation.DisableInputValidation,
		MaxInputTokens:         a.cfg.Validation.AmazonQMaxInputTokens,
	}
	a.srv = api.New(apiCfg, a.log, a.store, a.pool, a.orch, a.auth, a.tokens, a.callLog, a.usage, a.est, a.metrics)
	return nil
}
