package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// ResourceFunc extracts the authorization target from a routed request. A nil result asks
// about the caller's active tenant as a whole.
type ResourceFunc func(r *http.Request) *auth.ResourceRef

// PathResource addresses a resource of a fixed type whose id is the named path wildcard.
func PathResource(resourceType, wildcard string) ResourceFunc {
	return func(r *http.Request) *auth.ResourceRef {
		return &auth.ResourceRef{Type: resourceType, ID: r.PathValue(wildcard)}
	}
}

// RequireAction authorizes the request for action through the engine before calling next.
// The resolved principal is attached to the request context.
func (a *API) RequireAction(action string, resource ResourceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			req := authz.Request{
				AccessToken: token,
				Action:      action,
				SourceIP:    clientIP(r, a.trustForwarded),
			}
			if resource != nil {
				req.Resource = resource(r)
			}
			dec := a.engine.Authorize(r.Context(), req)
			if !dec.Allowed {
				writeAuthError(w, r, dec.Err())
				return
			}
			ctx := auth.ContextWithPrincipal(r.Context(), dec.Principal)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticated resolves the bearer token without a permission check.
func (a *API) authenticated(next func(w http.ResponseWriter, r *http.Request, pc auth.PrincipalContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		pc, err := a.engine.Authenticate(r.Context(), token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.ContextWithToken(r.Context(), token)), pc)
	}
}

// tokenAuthenticated resolves the bearer token from its signature and expiry alone, so a
// request carrying the token of a revoked session still reaches next. Used by logout only.
func (a *API) tokenAuthenticated(next func(w http.ResponseWriter, r *http.Request, pc auth.PrincipalContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		pc, err := a.engine.ResolveToken(token)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		next(w, r.WithContext(auth.ContextWithToken(r.Context(), token)), pc)
	}
}

// writeAuthError maps engine errors to status codes. Permission failures share one generic
// body so the reason never reaches the caller.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *auth.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", retryAfterSeconds(rl.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, "account locked")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrSessionRevoked):
		writeError(w, r, http.StatusUnauthorized, "session revoked")
	case errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrAccountInactive):
		writeError(w, r, http.StatusForbidden, "account inactive")
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "access denied")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict), errors.Is(err, auth.ErrCycle):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrImmutable):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
