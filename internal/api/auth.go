package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"inkslot/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	PermissionAdmin     = "admin"
	PermissionReadSlots = "read:slots"
	PermissionBookings  = "write:bookings"

	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	userIDHeaderDefault   = "x-user-id"
	requestIDKey          = "x-request-id"
	clientKeyUnknown      = "unknown"
)

var (
	errMissingCredentials = errors.New("missing api key headers")
	errInvalidAPIKey      = errors.New("invalid api key")
	errInvalidExtra       = errors.New("invalid extra header")
	errPermissionDenied   = errors.New("permission denied")
)

// keyring resolves API clients by key for both transports.
type keyring struct {
	apiKeyHeader string
	extraHeader  string
	userHeader   string
	clients      map[string]config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	clients := make(map[string]config.APIClientKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		clients[k.Key] = k
	}
	return &keyring{
		apiKeyHeader: headerOrDefault(cfg.HeaderAPIKey, apiKeyHeaderDefault),
		extraHeader:  headerOrDefault(cfg.HeaderExtra, apiExtraHeaderDefault),
		userHeader:   headerOrDefault(cfg.HeaderUserID, userIDHeaderDefault),
		clients:      clients,
	}
}

func headerOrDefault(h, def string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return def
	}
	return h
}

func (k *keyring) authenticate(apiKey, extra string) (*config.APIClientKey, error) {
	apiKey = strings.TrimSpace(apiKey)
	extra = strings.TrimSpace(extra)
	if apiKey == "" || extra == "" {
		return nil, errMissingCredentials
	}
	client, ok := k.clients[apiKey]
	if !ok {
		return nil, errInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return nil, errInvalidExtra
	}
	return &client, nil
}

// permitted reports whether client holds required. An empty permission list
// grants everything except admin, which always has to be listed.
func permitted(client *config.APIClientKey, required string) bool {
	if required == "" || client == nil {
		return true
	}
	if len(client.Permissions) == 0 {
		return required != PermissionAdmin
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return true
		}
	}
	return false
}

// AuthInterceptor guards the gRPC slot API with the same keys as HTTP.
type AuthInterceptor struct {
	cfg     *config.APIConfig
	keys    *keyring
	limiter *rateLimiter
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{
		cfg:     cfg,
		keys:    newKeyring(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(ctx, info.FullMethod); err != nil {
				return nil, err
			}
		}
		if !a.limiter.allow(a.clientKey(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func (a *AuthInterceptor) checkAuth(ctx context.Context, fullMethod string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	client, err := a.keys.authenticate(first(md.Get(a.keys.apiKeyHeader)), first(md.Get(a.keys.extraHeader)))
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if !permitted(client, requiredPermission(fullMethod)) {
		return status.Error(codes.PermissionDenied, errPermissionDenied.Error())
	}
	return nil
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case slotServiceListSlots, slotServiceGetSlot:
		return PermissionReadSlots
	default:
		return ""
	}
}

func (a *AuthInterceptor) clientKey(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)
	if apiKey := first(md.Get(a.keys.apiKeyHeader)); apiKey != "" {
		return apiKey
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "grpc").Logger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := requestIDFromMetadata(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)

		remote := clientKeyUnknown
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		base.Info().
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", remote).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")

		return resp, err
	}
}

func requestIDFromMetadata(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if id := first(md.Get(requestIDKey)); id != "" {
			return id
		}
	}
	return uuid.NewString()
}
