package auth

import "context"

type principalContextKey struct{}
type tokenContextKey struct{}

// ContextWithPrincipal attaches the authorized principal context to ctx.
func ContextWithPrincipal(ctx context.Context, pc PrincipalContext) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &pc)
}

// PrincipalFromContext extracts the authorized principal context.
func PrincipalFromContext(ctx context.Context) (PrincipalContext, bool) {
	if ctx == nil {
		return PrincipalContext{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*PrincipalContext)
	if !ok || v == nil {
		return PrincipalContext{}, false
	}
	return *v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
