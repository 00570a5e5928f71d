package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"brokermcp/pkg/logging"
)

// Identity identifies the owner of a keyed token record.
type Identity struct {
	UserID   string
	ClientID string
}

const identityKeyPrefix = "token:"

// Key returns the backend key for the identity.
func (id Identity) Key() string {
	return identityKeyPrefix + id.UserID + ":" + id.ClientID
}

// ParseIdentityKey is the inverse of Identity.Key. Client ids never
// contain a colon, so the last one separates the two parts.
func ParseIdentityKey(key string) (Identity, bool) {
	rest, ok := strings.CutPrefix(key, identityKeyPrefix)
	if !ok {
		return Identity{}, false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return Identity{}, false
	}
	return Identity{UserID: rest[:i], ClientID: rest[i+1:]}, true
}

func (id Identity) String() string {
	return logging.TruncateID(id.UserID) + "/" + id.ClientID
}

// KeyedStore keeps one record per identity for multi-tenant deployments.
type KeyedStore struct {
	kv   KV
	opts Options
}

// NewKeyedStore creates a keyed store on kv.
func NewKeyedStore(kv KV, opts Options) *KeyedStore {
	return &KeyedStore{kv: kv, opts: opts}
}

// Bind returns a Store for a single identity.
func (s *KeyedStore) Bind(id Identity) Store {
	return &recordStore{kv: s.kv, key: id.Key(), opts: s.opts}
}

// Migrate moves the record stored for from to to. It is used once the real
// upstream identity is known for a flow that started under a placeholder.
// Returns ErrNotFound when from has no record.
func (s *KeyedStore) Migrate(ctx context.Context, from, to Identity) error {
	if from == to {
		return nil
	}
	data, err := s.kv.Get(ctx, from.Key())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read record for migration: %w", err)
	}
	if err := s.kv.Set(ctx, to.Key(), data, s.opts.ttl()); err != nil {
		return fmt.Errorf("failed to write migrated record: %w", err)
	}
	if err := s.kv.Delete(ctx, from.Key()); err != nil {
		// The copy succeeded, so the new identity is usable.
		logging.Warn("TokenStore", "Failed to remove migrated record %s: %v", from, err)
	}
	logging.Debug("TokenStore", "Migrated token record %s -> %s", from, to)
	return nil
}
