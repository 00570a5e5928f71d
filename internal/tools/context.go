package tools

import (
	"context"

	"brokermcp/internal/tokenstore"
)

type identityKey struct{}

// WithIdentity attaches the caller's identity to ctx. The HTTP transport
// sets it from the resolved bearer grant.
func WithIdentity(ctx context.Context, id tokenstore.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by WithIdentity.
func IdentityFrom(ctx context.Context) (tokenstore.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(tokenstore.Identity)
	return id, ok
}
