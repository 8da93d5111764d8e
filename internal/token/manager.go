// Package token implements the token manager (C2): a per-account
// access-token cache with expiry detection, serialized refresh, and the
// Amazon Q device-authorization flow used for initial credential
// acquisition.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-gateway/internal/account"
)

// minRemaining is the freshness guarantee get_valid_token makes: the
// returned token always has at least this much life left (§4.2).
const minRemaining = 5 * time.Minute

// ErrTokenRefresh is returned when the identity provider rejects a refresh
// attempt; GetValidToken has already recorded last_refresh_status=failed,
// and the caller moves on to another account (§7 TokenRefreshError).
var ErrTokenRefresh = errors.New("token: refresh rejected")

var errAuthTimeout = errors.New("token: device authorization timed out")

// ErrAuthTimeout maps to 408 at the API boundary (§7).
var ErrAuthTimeout = errAuthTimeout

// Manager owns the per-account refresh mutex map and dispatches to the
// account-type-specific Refresher.
type Manager struct {
	store *account.Store

	refreshers map[account.Type]Refresher

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewManager(store *account.Store, refreshers map[account.Type]Refresher) *Manager {
	return &Manager{store: store, refreshers: refreshers, locks: map[string]*sync.Mutex{}}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// GetValidToken returns an access token with at least minRemaining life,
// refreshing through the per-account mutex if the cached one is stale or
// about to expire. Concurrent callers for the same account coalesce on the
// mutex and observe the same refreshed token (§4.2, P-"token cache").
//
// custom_api accounts carry a static API key in ClientSecret and never
// refresh — they're returned as-is.
func (m *Manager) GetValidToken(ctx context.Context, a *account.Account) (string, error) {
	if a.Type == account.TypeCustomAPI {
		return a.ClientSecret, nil
	}

	lock := m.lockFor(a.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read after acquiring the lock: another goroutine may have already
	// refreshed while we were waiting.
	fresh, err := m.store.Get(ctx, a.ID)
	if err != nil {
		return "", fmt.Errorf("token: reload account: %w", err)
	}
	if fresh == nil {
		return "", fmt.Errorf("token: account %s not found", a.ID)
	}
	*a = *fresh

	if !needsRefresh(a) {
		return a.AccessToken, nil
	}

	refresher, ok := m.refreshers[a.Type]
	if !ok {
		return "", fmt.Errorf("token: no refresher registered for type %s", a.Type)
	}

	res, err := refresher.Refresh(ctx, a)
	if err != nil {
		_ = m.store.UpdateRefreshStatus(ctx, a.ID, account.RefreshStatusFailed)
		return "", fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}

	refreshToken := res.RefreshToken
	if err := m.store.UpdateTokens(ctx, a.ID, res.AccessToken, refreshToken, res.ExpiresAt); err != nil {
		return "", fmt.Errorf("token: persist refreshed token: %w", err)
	}
	if err := m.store.UpdateRefreshStatus(ctx, a.ID, account.RefreshStatusOK); err != nil {
		return "", fmt.Errorf("token: record refresh status: %w", err)
	}

	a.AccessToken = res.AccessToken
	a.TokenExpiresAt = res.ExpiresAt
	if refreshToken != "" {
		a.RefreshToken = refreshToken
	}
	return a.AccessToken, nil
}

// needsRefresh checks both the cached expires_at and, when possible, the
// access token's own exp claim — whichever reports less time remaining
// wins, since a JWT can be revoked or re-issued with a different lifetime
// out of band.
func needsRefresh(a *account.Account) bool {
	if a.AccessToken == "" {
		return true
	}
	deadline := a.TokenExpiresAt
	if exp, ok := expFromAccessToken(a.AccessToken); ok && exp.Before(deadline) {
		deadline = exp
	}
	return time.Until(deadline) < minRemaining
}
