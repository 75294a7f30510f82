// Package grpcapi is the gRPC transport: an authorization interceptor for collaborator
// services, the Authorizer check service and the standard health service.
package grpcapi

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
	"wattguard.io/internal/obs"
)

// Rule names the permission a method exercises. Resource, when set, extracts the target from
// the decoded request; nil asks about the caller's active tenant.
type Rule struct {
	Action   string
	Resource func(req any) *auth.ResourceRef
}

// Authorizer guards unary methods through the engine.
type Authorizer struct {
	engine *authz.Engine
	rules  map[string]Rule
	public map[string]struct{}
}

// NewAuthorizer builds an interceptor source. Methods listed in public skip the check; any
// method with neither a rule nor a public entry is refused.
func NewAuthorizer(engine *authz.Engine, rules map[string]Rule, public ...string) (*Authorizer, error) {
	if engine == nil {
		return nil, errors.New("grpcapi: engine is required")
	}
	a := &Authorizer{
		engine: engine,
		rules:  make(map[string]Rule, len(rules)),
		public: make(map[string]struct{}, len(public)),
	}
	for method, rule := range rules {
		if strings.TrimSpace(rule.Action) == "" {
			return nil, errors.New("grpcapi: rule for " + method + " has no action")
		}
		a.rules[method] = rule
	}
	for _, m := range public {
		a.public[m] = struct{}{}
	}
	return a, nil
}

// Unary returns the interceptor. Allowed calls see the principal via auth.PrincipalFromContext.
func (a *Authorizer) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := a.public[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		rule, ok := a.rules[info.FullMethod]
		if !ok {
			return nil, status.Error(codes.PermissionDenied, "access denied")
		}
		token, err := tokenFromMetadata(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		areq := authz.Request{
			AccessToken: token,
			Action:      rule.Action,
			SourceIP:    peerIP(ctx),
		}
		if rule.Resource != nil {
			areq.Resource = rule.Resource(req)
		}
		dec := a.engine.Authorize(ctx, areq)
		if !dec.Allowed {
			return nil, statusFromError(ctx, dec.Err())
		}
		ctx = auth.ContextWithPrincipal(ctx, dec.Principal)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}

// LoggingInterceptor emits one entry per unary call.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		obs.Logger().Info("grpc_request_complete",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			zap.String("remote_ip", peerIP(ctx)),
		)
		return resp, err
	}
}

// statusFromError mirrors the HTTP mapping. Permission failures carry no detail.
func statusFromError(ctx context.Context, err error) error {
	var rl *auth.RateLimitError
	switch {
	case errors.As(err, &rl):
		_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", retryAfterSeconds(rl.RetryAfter)))
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	case errors.Is(err, auth.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limit exceeded")
	case errors.Is(err, auth.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "token expired")
	case errors.Is(err, auth.ErrSessionRevoked):
		return status.Error(codes.Unauthenticated, "session revoked")
	case errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid token")
	case errors.Is(err, auth.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, "access denied")
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "resource not found")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing bearer token")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", errors.New("missing bearer token")
	}
	raw := strings.TrimSpace(values[0])
	const prefix = "bearer "
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(raw[len(prefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
