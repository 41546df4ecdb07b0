package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inkslot/internal/config"
	"inkslot/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	clientCtxKey ctxKey = iota
	userCtxKey
)

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// Middleware authenticates the caller and stores the client and user id in the request context.
func (a *HTTPAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if a.cfg.Auth.Enabled {
			client, err := a.keys.authenticate(r.Header.Get(a.keys.apiKeyHeader), r.Header.Get(a.keys.extraHeader))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx = context.WithValue(ctx, clientCtxKey, client)
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		if user := strings.TrimSpace(r.Header.Get(a.keys.userHeader)); user != "" {
			ctx = context.WithValue(ctx, userCtxKey, user)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Require rejects clients that lack permission.
func (a *HTTPAuth) Require(permission string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.cfg.Auth.Enabled && !permitted(clientFromContext(r.Context()), permission) {
				writeError(w, http.StatusForbidden, errPermissionDenied.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.keys.apiKeyHeader)); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

func clientFromContext(ctx context.Context) *config.APIClientKey {
	client, _ := ctx.Value(clientCtxKey).(*config.APIClientKey)
	return client
}

var errMissingUser = errors.New("user id header is required")

func userFromContext(ctx context.Context) (string, error) {
	user, _ := ctx.Value(userCtxKey).(string)
	if user == "" {
		return "", errMissingUser
	}
	return user, nil
}

// requestLogger logs each routed request and counts it by route template.
func requestLogger(logger *zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(requestIDKey))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDKey, requestID)

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.IncHTTP(route, strconv.Itoa(recorder.status))

			logger.Info().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("route", route).
				Int("status", recorder.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
