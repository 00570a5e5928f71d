package oauth

import (
	"context"
	"sync"

	"brokermcp/internal/tokenstore"
)

// Managers hands out the TokenManager responsible for an identity. The
// fixed-key and keyed topologies both implement it so callers never
// branch on the deployment shape.
type Managers interface {
	// Manager returns the manager for id, creating it when needed.
	Manager(id tokenstore.Identity) *TokenManager

	// Migrate moves stored token data from a placeholder identity to the
	// real one once it is known.
	Migrate(ctx context.Context, from, to tokenstore.Identity) error

	// Discard forgets the manager of id without touching the store. Flows
	// call it for placeholder identities that never completed.
	Discard(id tokenstore.Identity)

	// Invalidate drops cached token data of id's manager, if one exists.
	Invalidate(id tokenstore.Identity)

	// InvalidateAll drops cached token data of every manager.
	InvalidateAll()
}

// SinglePool serves one process-wide manager for the fixed-key topology.
type SinglePool struct {
	manager *TokenManager
}

// NewSinglePool wraps manager.
func NewSinglePool(manager *TokenManager) *SinglePool {
	return &SinglePool{manager: manager}
}

// Manager ignores id: a single-tenant deployment has one token.
func (p *SinglePool) Manager(tokenstore.Identity) *TokenManager {
	return p.manager
}

// Migrate is a no-op; the fixed key does not depend on identity.
func (p *SinglePool) Migrate(context.Context, tokenstore.Identity, tokenstore.Identity) error {
	return nil
}

// Discard is a no-op; the singleton lives as long as the process.
func (p *SinglePool) Discard(tokenstore.Identity) {}

func (p *SinglePool) Invalidate(tokenstore.Identity) {
	p.manager.Invalidate()
}

func (p *SinglePool) InvalidateAll() {
	p.manager.Invalidate()
}

// Pool keeps one manager per identity for the keyed topology.
type Pool struct {
	mu       sync.Mutex
	managers map[tokenstore.Identity]*TokenManager

	store  *tokenstore.KeyedStore
	client UpstreamClient
	cfg    ManagerConfig
}

// NewPool creates a pool. Each manager gets client wrapped in a
// PersistingClient bound to its identity's record.
func NewPool(store *tokenstore.KeyedStore, client UpstreamClient, cfg ManagerConfig) *Pool {
	return &Pool{
		managers: make(map[tokenstore.Identity]*TokenManager),
		store:    store,
		client:   client,
		cfg:      cfg,
	}
}

func (p *Pool) Manager(id tokenstore.Identity) *TokenManager {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.managers[id]; ok {
		return m
	}
	bound := p.store.Bind(id)
	cfg := p.cfg
	cfg.Label = id.String()
	m := NewTokenManager(NewPersistingClient(p.client, bound), bound, cfg)
	p.managers[id] = m
	return m
}

func (p *Pool) Migrate(ctx context.Context, from, to tokenstore.Identity) error {
	if err := p.store.Migrate(ctx, from, to); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.managers, from)
	if m, ok := p.managers[to]; ok {
		m.Invalidate()
		if _, errored := m.State().(Errored); errored {
			delete(p.managers, to)
		}
	}
	return nil
}

func (p *Pool) Discard(id tokenstore.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.managers, id)
}

func (p *Pool) Invalidate(id tokenstore.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.managers[id]; ok {
		m.Invalidate()
	}
}

func (p *Pool) InvalidateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.managers {
		m.Invalidate()
	}
}

// Len returns the number of managers held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.managers)
}
