// Package requestctx carries transport-authenticated identity on a context.
//
// Only transport layers (the gRPC auth interceptor, operator tooling) write
// the principal. Kernel operations read it from here and never from request
// payloads.
package requestctx

import (
	"context"
	"strings"
)

// principalContextKey is the context key for the authenticated principal.
type principalContextKey struct{}

// WithPrincipal stores an authenticated principal identifier in context.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalContextKey{}, strings.TrimSpace(principal))
}

// PrincipalFromContext returns the principal stored in context, or "".
func PrincipalFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(principalContextKey{}).(string)
	return value
}
