package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-gateway/internal/metrics"
	"github.com/nulpointcorp/claude-gateway/pkg/apierr"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.WriteInternal(ctx, "internal server error")
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header, generating a
// UUID v4 when the client did not supply one.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing records the handler duration in X-Response-Time. The header is set
// when the handler returns; a streaming handler's body writer runs after
// that, so the upstream stream is not included in the value.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// metricsMiddleware records in-flight gauge and per-route request metrics.
// reg may be nil, in which case it's a no-op wrapper.
func metricsMiddleware(reg *metrics.Registry) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		if reg == nil {
			return next
		}
		return func(ctx *fasthttp.RequestCtx) {
			reg.IncInFlight()
			start := time.Now()
			next(ctx)
			reg.DecInFlight()
			reg.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
		}
	}
}

// securityHeaders adds the same API-only hardening headers on every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
	}
}

// corsHandler mirrors the teacher's open-by-default CORS middleware.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "X-API-Key, Content-Type, X-Request-ID, X-Account-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// apiKeyAuth rejects requests whose X-API-Key header doesn't match cfg, when
// one is configured. An empty configured key disables the check entirely —
// the gateway is then trusted to sit behind another authentication layer.
func apiKeyAuth(required string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if required == "" {
				next(ctx)
				return
			}
			got := string(ctx.Request.Header.Peek("X-API-Key"))
			if got != required {
				apierr.WriteUnauthorized(ctx, "missing or incorrect X-API-Key")
				return
			}
			next(ctx)
		}
	}
}

// adminKeyAuth gates the /v2 admin surface behind a separate key, since the
// caller of those routes (an operator) is a different trust boundary than a
// caller of /v1/messages (an application using the gateway as a proxy).
func adminKeyAuth(required string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if required == "" {
				next(ctx)
				return
			}
			got := string(ctx.Request.Header.Peek("X-Admin-Key"))
			if got != required {
				apierr.WriteUnauthorized(ctx, "missing or incorrect X-Admin-Key")
				return
			}
			next(ctx)
		}
	}
}

func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
