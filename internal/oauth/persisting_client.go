package oauth

import (
	"context"
	"fmt"

	"brokermcp/internal/tokenstore"
	"brokermcp/pkg/logging"
)

// PersistingClient wraps an UpstreamClient and saves every token it
// obtains before returning it, so a crash right after a refresh does not
// lose a rotated refresh token.
type PersistingClient struct {
	UpstreamClient
	store tokenstore.Store
}

// NewPersistingClient decorates client with writes to store.
func NewPersistingClient(client UpstreamClient, store tokenstore.Store) *PersistingClient {
	return &PersistingClient{UpstreamClient: client, store: store}
}

// Unwrap returns the decorated client.
func (p *PersistingClient) Unwrap() UpstreamClient {
	return p.UpstreamClient
}

func (p *PersistingClient) ExchangeCode(ctx context.Context, code, state string) (*tokenstore.TokenRecord, error) {
	rec, err := p.UpstreamClient.ExchangeCode(ctx, code, state)
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist exchanged token: %w", err)
	}
	logging.Debug("OAuth", "Persisted exchanged token")
	return rec, nil
}

func (p *PersistingClient) Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenRecord, error) {
	rec, err := p.UpstreamClient.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	logging.Debug("OAuth", "Persisted refreshed token")
	return rec, nil
}
