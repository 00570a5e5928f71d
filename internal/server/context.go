package server

import (
	"context"

	"brokermcp/internal/grants"
)

type contextKey string

const grantContextKey contextKey = "grant"

// ContextWithGrant stores the resolved bearer grant in ctx.
func ContextWithGrant(ctx context.Context, g *grants.Grant) context.Context {
	return context.WithValue(ctx, grantContextKey, g)
}

// GrantFromContext returns the grant stored by the bearer middleware.
func GrantFromContext(ctx context.Context) (*grants.Grant, bool) {
	g, ok := ctx.Value(grantContextKey).(*grants.Grant)
	return g, ok && g != nil
}
