package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"

	"github.com/nulpointcorp/claude-gateway/internal/account"
	"github.com/nulpointcorp/claude-gateway/internal/config"
)

// refreshResult is the outcome of one refresh attempt (§3 TokenCacheEntry).
type refreshResult struct {
	AccessToken  string
	RefreshToken string // empty = not rotated, keep the existing one
	ExpiresAt    time.Time
}

// Refresher performs the account-type-specific half of the refresh protocol
// (§4.2): POST the refresh_token grant, parse the response, compute
// expires_at.
type Refresher interface {
	Refresh(ctx context.Context, a *account.Account) (refreshResult, error)
}

// ─── Amazon Q / CodeWhisperer, via AWS SSO OIDC ────────────────────────────

// AmazonQRefresher exchanges a refresh token for a new access token using
// the same CreateToken call the device-authorization flow polls, with the
// account's stored client id/secret, grounded on the real aws-sdk-go-v2
// ssooidc client rather than a hand-rolled HTTP POST.
type AmazonQRefresher struct {
	client *ssooidc.Client
}

func NewAmazonQRefresher(cfg config.AmazonQConfig) *AmazonQRefresher {
	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: awscreds.NewStaticCredentialsProvider("", "", ""),
	}
	client := ssooidc.NewFromConfig(awsCfg, func(o *ssooidc.Options) {
		if cfg.OIDCEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.OIDCEndpoint)
		}
	})
	return &AmazonQRefresher{client: client}
}

func (r *AmazonQRefresher) Refresh(ctx context.Context, a *account.Account) (refreshResult, error) {
	out, err := r.client.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(a.ClientID),
		ClientSecret: aws.String(a.ClientSecret),
		GrantType:    aws.String("refresh_token"),
		RefreshToken: aws.String(a.RefreshToken),
	})
	if err != nil {
		return refreshResult{}, fmt.Errorf("amazonq: refresh: %w", err)
	}

	res := refreshResult{
		AccessToken: aws.ToString(out.AccessToken),
		ExpiresAt:   time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	if out.RefreshToken != nil {
		res.RefreshToken = aws.ToString(out.RefreshToken)
	}
	return res, nil
}

// ─── Gemini, via Google's OAuth2 token endpoint ────────────────────────────

// GeminiRefresher POSTs the standard Google OAuth2 refresh_token grant.
// Google's SDKs wrap this same endpoint; a direct POST is used here because
// the donated refresh token belongs to an external user, not a service
// account the genai client can authenticate as directly.
type GeminiRefresher struct {
	endpoint string
	client   *http.Client
}

func NewGeminiRefresher(cfg config.GeminiOAuthConfig) *GeminiRefresher {
	endpoint := cfg.TokenEndpoint
	if endpoint == "" {
		endpoint = "https://oauth2.googleapis.com/token"
	}
	return &GeminiRefresher{endpoint: endpoint, client: &http.Client{Timeout: 15 * time.Second}}
}

type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (r *GeminiRefresher) Refresh(ctx context.Context, a *account.Account) (refreshResult, error) {
	form := url.Values{
		"client_id":     {a.ClientID},
		"client_secret": {a.ClientSecret},
		"refresh_token": {a.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return refreshResult{}, fmt.Errorf("gemini: refresh: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("gemini: refresh: %w", err)
	}
	defer resp.Body.Close()

	var body googleTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return refreshResult{}, fmt.Errorf("gemini: refresh: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || body.Error != "" {
		return refreshResult{}, fmt.Errorf("gemini: refresh rejected: %s %s", body.Error, body.ErrorDesc)
	}

	return refreshResult{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
