package kbapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/kbdesk/internal/types"
)

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// Middleware wraps a Doer.
type Middleware func(next Doer) Doer

// TokenSource yields the current bearer token, or "" when there is none.
type TokenSource interface {
	Token() (string, error)
}

// BearerAuth attaches the persisted token to every request. The token is
// re-read on each call; a missing or unreadable token never blocks the request.
func BearerAuth(tokens TokenSource) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			token, err := tokens.Token()
			if err != nil {
				slog.Warn("read token failed, sending request unauthenticated", "error", err)
			}
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			return next.Do(req)
		})
	}
}

// Unauthorized applies the global 401 policy: clear the persisted token and
// run the hooks (session reset, redirect to login). The response itself is
// passed through untouched so the caller still gets an *AuthError.
func Unauthorized(tokens types.TokenStore, hooks ...func()) Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := next.Do(req)
			if err != nil || resp.StatusCode != http.StatusUnauthorized {
				return resp, err
			}
			slog.Info("request unauthorized, clearing token", "method", req.Method, "path", req.URL.Path)
			if cerr := tokens.ClearToken(); cerr != nil {
				slog.Error("failed to clear token", "error", cerr)
			}
			for _, hook := range hooks {
				hook()
			}
			return resp, err
		})
	}
}

// Navigator is the rendering layer's login entry point.
type Navigator interface {
	RedirectToLogin(reason string)
}

// RedirectHook adapts a Navigator for use as an Unauthorized hook.
func RedirectHook(nav Navigator) func() {
	return func() {
		nav.RedirectToLogin("session expired")
	}
}

// RequestID sets X-Request-ID when the caller did not.
func RequestID() Middleware {
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("X-Request-ID") == "" {
				req.Header.Set("X-Request-ID", types.NewRequestID())
			}
			return next.Do(req)
		})
	}
}

// Logging writes one debug line per request.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next.Do(req)
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"request_id", req.Header.Get("X-Request-ID"),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Debug("api request failed", append(attrs, "error", err)...)
				return resp, err
			}
			logger.Debug("api request", append(attrs, "status", resp.StatusCode)...)
			return resp, err
		})
	}
}

// Tracing starts a client span per request and propagates the trace context
// in the request headers. A nil tracer uses the global provider.
func Tracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/user/kbdesk/pkg/kbapi")
	}
	return func(next Doer) Doer {
		return DoerFunc(func(req *http.Request) (*http.Response, error) {
			ctx, span := tracer.Start(req.Context(), fmt.Sprintf("HTTP %s %s", req.Method, req.URL.Path),
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("url.path", req.URL.Path),
				),
			)
			defer span.End()

			req = req.WithContext(ctx)
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

			resp, err := next.Do(req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return resp, err
			}
			span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
			if resp.StatusCode >= 400 {
				span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
			}
			return resp, err
		})
	}
}
