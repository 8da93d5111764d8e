package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a device-code AuthSession (§3).
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionTimeout   SessionStatus = "timeout"
	SessionError     SessionStatus = "error"
)

// AuthSession is the in-memory device-authorization record (§3). It is
// owned entirely by the process that started it and is never persisted —
// a restart loses in-flight device-code logins, which is acceptable since
// the user can simply start over.
type AuthSession struct {
	AuthID       string
	ClientID     string
	ClientSecret string
	DeviceCode   string
	IntervalS    int
	ExpiresInS   int
	VerificationURI string
	UserCode     string
	StartTime    time.Time
	Status       SessionStatus
	AccountID    string // set once Status == completed
	Err          string
}

const sessionTTL = 5 * time.Minute

// DeviceAuthenticator drives the Amazon Q / AWS SSO OIDC device-authorization
// grant (§4.2, §6): register a public client, start a device authorization,
// then poll CreateToken while the server says authorization_pending, until
// the user approves, another error ends the session, or the 5-minute
// ceiling is hit.
type DeviceAuthenticator struct {
	client *ssooidc.Client

	mu       sync.Mutex
	sessions map[string]*AuthSession
}

func NewDeviceAuthenticator(client *ssooidc.Client) *DeviceAuthenticator {
	return &DeviceAuthenticator{client: client, sessions: map[string]*AuthSession{}}
}

// Start registers an OIDC client and requests a device code, returning a
// new AuthSession the caller can poll via Claim/Status.
func (d *DeviceAuthenticator) Start(ctx context.Context, clientName string, scopes []string) (*AuthSession, error) {
	reg, err := d.client.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(clientName),
		ClientType: aws.String("public"),
		Scopes:     scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("token: register client: %w", err)
	}

	auth, err := d.client.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     reg.ClientId,
		ClientSecret: reg.ClientSecret,
		StartUrl:     aws.String(clientName),
	})
	if err != nil {
		return nil, fmt.Errorf("token: start device authorization: %w", err)
	}

	s := &AuthSession{
		AuthID:          uuid.New().String(),
		ClientID:        aws.ToString(reg.ClientId),
		ClientSecret:    aws.ToString(reg.ClientSecret),
		DeviceCode:      aws.ToString(auth.DeviceCode),
		IntervalS:       int(auth.Interval),
		ExpiresInS:      int(auth.ExpiresIn),
		VerificationURI: aws.ToString(auth.VerificationUriComplete),
		UserCode:        aws.ToString(auth.UserCode),
		StartTime:       time.Now().UTC(),
		Status:          SessionPending,
	}

	d.mu.Lock()
	d.sessions[s.AuthID] = s
	d.mu.Unlock()

	return s, nil
}

// Status returns the current state of a session, or nil if unknown/expired.
func (d *DeviceAuthenticator) Status(authID string) *AuthSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[authID]
	if !ok {
		return nil
	}
	if time.Since(s.StartTime) > sessionTTL && s.Status == SessionPending {
		s.Status = SessionTimeout
	}
	return s
}

// Claim blocks, polling CreateToken at the server-specified interval, until
// the user approves, the request is denied, or the 5-minute ceiling (§3)
// is reached. On success the session's AccountID is left for the caller to
// fill in once the new account row is created.
func (d *DeviceAuthenticator) Claim(ctx context.Context, authID string) (refreshResult, error) {
	d.mu.Lock()
	s, ok := d.sessions[authID]
	d.mu.Unlock()
	if !ok {
		return refreshResult{}, fmt.Errorf("token: unknown auth session %s", authID)
	}

	interval := time.Duration(s.IntervalS) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := s.StartTime.Add(sessionTTL)

	for {
		if time.Now().UTC().After(deadline) {
			d.setStatus(s, SessionTimeout, "")
			return refreshResult{}, errAuthTimeout
		}

		out, err := d.client.CreateToken(ctx, &ssooidc.CreateTokenInput{
			ClientId:     aws.String(s.ClientID),
			ClientSecret: aws.String(s.ClientSecret),
			GrantType:    aws.String("urn:ietf:params:oauth:grant-type:device_code"),
			DeviceCode:   aws.String(s.DeviceCode),
		})
		if err == nil {
			res := refreshResult{
				AccessToken:  aws.ToString(out.AccessToken),
				RefreshToken: aws.ToString(out.RefreshToken),
				ExpiresAt:    time.Now().UTC().Add(time.Duration(out.ExpiresIn) * time.Second),
			}
			d.setStatus(s, SessionCompleted, "")
			return res, nil
		}

		if !isAuthorizationPending(err) {
			d.setStatus(s, SessionError, err.Error())
			return refreshResult{}, fmt.Errorf("token: device poll: %w", err)
		}

		select {
		case <-ctx.Done():
			return refreshResult{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (d *DeviceAuthenticator) setStatus(s *AuthSession, status SessionStatus, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.Status = status
	s.Err = errMsg
}

// isAuthorizationPending reports whether the CreateToken error is the
// expected "keep polling" response rather than a terminal failure.
func isAuthorizationPending(err error) bool {
	var ap *ssooidc.AuthorizationPendingException
	return errors.As(err, &ap)
}
