// Package apierr writes the Claude-style error envelope (§7) to a fasthttp
// response and maps the gateway's internal failure classes to HTTP status.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/claude"
)

// Error type strings, matching Claude's error.type values.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeAPIError          = "api_error"
	TypeOverloadedError   = "overloaded_error"
	TypeTimeoutError      = "timeout_error"
)

// Write sets the status code and writes the Claude error envelope.
func Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(claude.NewErrorEnvelope(errType, message))
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 with TypeInvalidRequest.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, TypeInvalidRequest, message)
}

// WriteUnauthorized writes a 401 for a missing/incorrect X-API-Key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, TypeAuthenticationErr, message)
}

// WriteNotFound writes a 404, used by the account/auth-session admin routes.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, TypeNotFound, message)
}

// WriteRateLimit writes a 429 with a Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds <= 0 {
		retryAfterSeconds = 30
	}
	ctx.Response.Header.Set("Retry-After", itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, TypeRateLimitError, "rate limit exceeded")
}

// WriteNoEligibleAccount writes a 503 for account.ErrNoEligibleAccount (§7).
func WriteNoEligibleAccount(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, TypeOverloadedError, "no eligible account is available for this request")
}

// WriteUpstreamError maps an upstream failure to the gateway's own response
// per §7: passthrough client errors, 502 for server errors/connection
// failures, 429 for rate limits.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, detail string) {
	switch {
	case upstreamStatus == 429:
		WriteRateLimit(ctx, 30)
	case upstreamStatus >= 400 && upstreamStatus < 500:
		Write(ctx, upstreamStatus, TypeInvalidRequest, detail)
	default:
		Write(ctx, fasthttp.StatusBadGateway, TypeAPIError, detail)
	}
}

// WriteTimeout writes a 504.
func WriteTimeout(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusGatewayTimeout, TypeTimeoutError, message)
}

// WriteInternal writes a 500, used by the recovery middleware and any
// otherwise-unclassified internal error.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, TypeAPIError, message)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
