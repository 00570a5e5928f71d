package tokenstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or record does not exist.
var ErrNotFound = errors.New("not found")

// KV is the key/value backend records are persisted in.
//
// A ttl of zero means no expiry. Get returns ErrNotFound for missing or
// expired keys; Delete of a missing key is not an error.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store is the persistence contract the token manager depends on. Both
// topologies implement it so callers never branch on the backend.
type Store interface {
	Load(ctx context.Context) (*TokenRecord, error)
	Save(ctx context.Context, rec *TokenRecord) error
	Delete(ctx context.Context) error
}
