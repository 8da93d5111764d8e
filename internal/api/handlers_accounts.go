package api

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/pkg/apierr"
)

// accountView is the admin-facing JSON shape for one account — the refresh
// token and client secret are never serialized back to a caller.
type accountView struct {
	ID                string          `json:"id"`
	Type              account.Type    `json:"type"`
	Label             string          `json:"label"`
	Enabled           bool            `json:"enabled"`
	Weight            int             `json:"weight"`
	RateLimitPerHour  int             `json:"rateLimitPerHour"`
	CooldownUntil     string          `json:"cooldownUntil,omitempty"`
	LastUsedAt        string          `json:"lastUsedAt,omitempty"`
	RequestCount      int64           `json:"requestCount"`
	SuccessCount      int64           `json:"successCount"`
	ErrorCount        int64           `json:"errorCount"`
	LastRefreshStatus account.RefreshStatus `json:"lastRefreshStatus,omitempty"`
	Extension         json.RawMessage `json:"extension,omitempty"`
}

func toAccountView(a *account.Account) accountView {
	v := accountView{
		ID:                a.ID,
		Type:              a.Type,
		Label:             a.Label,
		Enabled:           a.Enabled,
		Weight:            a.Weight,
		RateLimitPerHour:  a.RateLimitPerHour,
		RequestCount:      a.RequestCount,
		SuccessCount:      a.SuccessCount,
		ErrorCount:        a.ErrorCount,
		LastRefreshStatus: a.LastRefreshStatus,
	}
	if !a.CooldownUntil.IsZero() {
		v.CooldownUntil = a.CooldownUntil.Format("2006-01-02T15:04:05Z07:00")
	}
	if !a.LastUsedAt.IsZero() {
		v.LastUsedAt = a.LastUsedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if ext, err := a.Extension(); err == nil {
		if raw, err := json.Marshal(ext); err == nil {
			v.Extension = raw
		}
	}
	return v
}

func (s *Server) handleListAccounts(ctx *fasthttp.RequestCtx) {
	filter := account.Type(ctx.QueryArgs().Peek("type"))
	accounts, err := s.store.List(ctx, filter)
	if err != nil {
		apierr.WriteInternal(ctx, "list accounts: "+err.Error())
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}
	writeJSON(ctx, views)
}

// createAccountRequest mirrors accountView's writable fields plus the
// credential fields an operator supplies out of band (a manually obtained
// refresh token, or a custom_api key stashed in Extension by the caller).
type createAccountRequest struct {
	ID               string          `json:"id"`
	Type             account.Type    `json:"type"`
	Label            string          `json:"label"`
	Enabled          *bool           `json:"enabled"`
	Weight           int             `json:"weight"`
	RateLimitPerHour int             `json:"rateLimitPerHour"`
	ClientID         string          `json:"clientId"`
	ClientSecret     string          `json:"clientSecret"`
	RefreshToken     string          `json:"refreshToken"`
	AccessToken      string          `json:"accessToken"`
	Extension        json.RawMessage `json:"extension"`
}

func (s *Server) handleCreateAccount(ctx *fasthttp.RequestCtx) {
	var req createAccountRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if req.Type == "" {
		apierr.WriteInvalidRequest(ctx, "type is required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	a := &account.Account{
		ID:               req.ID,
		Type:             req.Type,
		Label:            req.Label,
		Enabled:          enabled,
		Weight:           req.Weight,
		RateLimitPerHour: req.RateLimitPerHour,
		ClientID:         req.ClientID,
		ClientSecret:     req.ClientSecret,
		RefreshToken:     req.RefreshToken,
		AccessToken:      req.AccessToken,
	}
	if len(req.Extension) > 0 {
		a.ExtensionJSON = string(req.Extension)
	}

	created, err := s.store.Create(ctx, a)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, "create account: "+err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, toAccountView(created))
}

type updateAccountRequest struct {
	Label            *string         `json:"label"`
	Enabled          *bool           `json:"enabled"`
	Weight           *int            `json:"weight"`
	RateLimitPerHour *int            `json:"rateLimitPerHour"`
	Extension        json.RawMessage `json:"extension"`
}

func (s *Server) handleUpdateAccount(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	a, err := s.store.Get(ctx, id)
	if err != nil {
		apierr.WriteNotFound(ctx, "account not found")
		return
	}

	var req updateAccountRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if req.Label != nil {
		a.Label = *req.Label
	}
	if req.Enabled != nil {
		a.Enabled = *req.Enabled
	}
	if req.Weight != nil {
		a.Weight = *req.Weight
	}
	if req.RateLimitPerHour != nil {
		a.RateLimitPerHour = *req.RateLimitPerHour
	}
	if len(req.Extension) > 0 {
		a.ExtensionJSON = string(req.Extension)
	}

	if err := s.store.Update(ctx, a); err != nil {
		apierr.WriteInternal(ctx, "update account: "+err.Error())
		return
	}
	writeJSON(ctx, toAccountView(a))
}

func (s *Server) handleDeleteAccount(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := s.store.Delete(ctx, id); err != nil {
		apierr.WriteInternal(ctx, "delete account: "+err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleRefreshAccount(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	a, err := s.store.Get(ctx, id)
	if err != nil {
		apierr.WriteNotFound(ctx, "account not found")
		return
	}
	if _, err := s.tokens.GetValidToken(ctx, a); err != nil {
		apierr.WriteUpstreamError(ctx, fasthttp.StatusBadGateway, "token refresh failed: "+err.Error())
		return
	}
	fresh, err := s.store.Get(ctx, id)
	if err != nil {
		apierr.WriteInternal(ctx, "reload account: "+err.Error())
		return
	}
	writeJSON(ctx, toAccountView(fresh))
}

func (s *Server) handleAccountStats(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	stats, err := s.callLog.Stats(ctx, id)
	if err != nil {
		apierr.WriteInternal(ctx, "account stats: "+err.Error())
		return
	}
	writeJSON(ctx, stats)
}
