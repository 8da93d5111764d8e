package api

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/pkg/apierr"
)

type authStartRequest struct {
	ClientName string   `json:"clientName"`
	Scopes     []string `json:"scopes"`
}

type authStartResponse struct {
	AuthID                  string `json:"authId"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	UserCode                string `json:"userCode"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

func (s *Server) handleAuthStart(ctx *fasthttp.RequestCtx) {
	if s.auth == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, apierr.TypeAPIError, "device auth is not configured")
		return
	}
	var req authStartRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if req.ClientName == "" {
		req.ClientName = "claude-gateway"
	}

	session, err := s.auth.Start(ctx, req.ClientName, req.Scopes)
	if err != nil {
		apierr.WriteUpstreamError(ctx, fasthttp.StatusBadGateway, "start device authorization: "+err.Error())
		return
	}
	writeJSON(ctx, authStartResponse{
		AuthID:                  session.AuthID,
		VerificationURIComplete: session.VerificationURI,
		UserCode:                session.UserCode,
		ExpiresIn:               session.ExpiresInS,
		Interval:                session.IntervalS,
	})
}

// claimAccountRequest lets the operator supply the account shell (type,
// label, weight) the claimed tokens get attached to; Claim only returns
// tokens, never an account row, since device auth is Amazon Q-specific and
// the store doesn't know that ahead of time.
type claimAccountRequest struct {
	Label            string `json:"label"`
	ProfileARN       string `json:"profileArn"`
	Weight           int    `json:"weight"`
	RateLimitPerHour int    `json:"rateLimitPerHour"`
}

func (s *Server) handleAuthClaim(ctx *fasthttp.RequestCtx) {
	if s.auth == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, apierr.TypeAPIError, "device auth is not configured")
		return
	}
	authID, _ := ctx.UserValue("authId").(string)

	var req claimAccountRequest
	_ = json.Unmarshal(ctx.PostBody(), &req)

	res, err := s.auth.Claim(ctx, authID)
	if err != nil {
		apierr.WriteTimeout(ctx, "device authorization claim failed: "+err.Error())
		return
	}

	ext := account.Extension{ProfileARN: req.ProfileARN}
	extJSON, _ := ext.Marshal()

	created, err := s.store.Create(ctx, &account.Account{
		Type:             account.TypeAmazonQ,
		Label:            req.Label,
		Enabled:          true,
		Weight:           req.Weight,
		RateLimitPerHour: req.RateLimitPerHour,
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		TokenExpiresAt:   res.ExpiresAt,
		ExtensionJSON:    extJSON,
	})
	if err != nil {
		apierr.WriteInternal(ctx, "create account from claim: "+err.Error())
		return
	}
	writeJSON(ctx, toAccountView(created))
}

func (s *Server) handleAuthStatus(ctx *fasthttp.RequestCtx) {
	if s.auth == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, apierr.TypeAPIError, "device auth is not configured")
		return
	}
	authID, _ := ctx.UserValue("authId").(string)
	session := s.auth.Status(authID)
	if session == nil {
		apierr.WriteNotFound(ctx, "unknown auth session")
		return
	}
	writeJSON(ctx, map[string]any{
		"authId": session.AuthID,
		"status": session.Status,
		"error":  session.Err,
	})
}
