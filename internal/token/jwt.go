package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expFromAccessToken inspects the unverified exp claim of a JWT access
// token, used as signal (b) alongside the cached expires_at when deciding
// whether a refresh is due (§4.2). The gateway is never the token's
// audience, so there is nothing to verify a signature against — only the
// claims are read.
func expFromAccessToken(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
