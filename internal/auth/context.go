package auth

import "context"

type sessionContextKey struct{}

// ContextWithSessionToken attaches the authenticated session token to the context.
func ContextWithSessionToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, token)
}

// SessionTokenFromContext returns the session token if it was previously attached.
func SessionTokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(sessionContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
