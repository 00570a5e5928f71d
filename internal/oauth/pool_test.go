package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokermcp/internal/testing/mock"
	"brokermcp/internal/tokenstore"
)

func newTestPool(t *testing.T) (*Pool, *tokenstore.KeyedStore, *mock.MockClock) {
	t.Helper()
	clock := mock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	kv := tokenstore.NewMemoryKV()
	kv.SetClock(clock.Now)
	t.Cleanup(func() { kv.Close() })

	store := tokenstore.NewKeyedStore(kv, tokenstore.Options{Now: clock.Now})
	return NewPool(store, &fakeClient{}, ManagerConfig{Clock: clock}), store, clock
}

func TestPool_ManagerPerIdentity(t *testing.T) {
	pool, _, _ := newTestPool(t)
	alice := tokenstore.Identity{UserID: "alice", ClientID: "c1"}
	bob := tokenstore.Identity{UserID: "bob", ClientID: "c1"}

	assert.Same(t, pool.Manager(alice), pool.Manager(alice))
	assert.NotSame(t, pool.Manager(alice), pool.Manager(bob))
	assert.Equal(t, 2, pool.Len())
}

func TestPool_ManagersReadTheirOwnRecord(t *testing.T) {
	pool, store, clock := newTestPool(t)
	ctx := context.Background()
	alice := tokenstore.Identity{UserID: "alice", ClientID: "c1"}
	bob := tokenstore.Identity{UserID: "bob", ClientID: "c1"}

	require.NoError(t, store.Bind(alice).Save(ctx, &tokenstore.TokenRecord{
		AccessToken: "alice-access", RefreshToken: "r", ExpiresAt: clock.Now().Add(time.Hour),
	}))

	tok, ok := pool.Manager(alice).AccessToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice-access", tok)

	_, ok = pool.Manager(bob).AccessToken(ctx)
	assert.False(t, ok)
}

func TestPool_Migrate(t *testing.T) {
	pool, store, clock := newTestPool(t)
	ctx := context.Background()
	placeholder := tokenstore.Identity{UserID: "pending-1234", ClientID: "c1"}
	resolved := tokenstore.Identity{UserID: "corr-1", ClientID: "c1"}

	require.NoError(t, store.Bind(placeholder).Save(ctx, &tokenstore.TokenRecord{
		AccessToken: "fresh", RefreshToken: "r", ExpiresAt: clock.Now().Add(time.Hour),
	}))
	// A manager for the resolved identity loaded before the migration must
	// pick up the migrated record.
	_, ok := pool.Manager(resolved).AccessToken(ctx)
	require.False(t, ok)

	require.NoError(t, pool.Migrate(ctx, placeholder, resolved))

	tok, ok := pool.Manager(resolved).AccessToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, "fresh", tok)

	_, err := store.Bind(placeholder).Load(ctx)
	assert.ErrorIs(t, err, tokenstore.ErrNotFound)
	assert.ErrorIs(t, pool.Migrate(ctx, placeholder, resolved), tokenstore.ErrNotFound)
}

func TestPool_InvalidateAll(t *testing.T) {
	pool, store, clock := newTestPool(t)
	ctx := context.Background()
	id := tokenstore.Identity{UserID: "alice", ClientID: "c1"}

	require.NoError(t, store.Bind(id).Save(ctx, &tokenstore.TokenRecord{
		AccessToken: "one", RefreshToken: "r", ExpiresAt: clock.Now().Add(time.Hour),
	}))
	require.True(t, pool.Manager(id).Initialize(ctx))

	require.NoError(t, store.Bind(id).Save(ctx, &tokenstore.TokenRecord{AccessToken: "two"}))
	pool.InvalidateAll()
	assert.IsType(t, Uninitialized{}, pool.Manager(id).State())

	tok, ok := pool.Manager(id).AccessToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, "two", tok)
}

func TestPool_InvalidateOne(t *testing.T) {
	pool, store, clock := newTestPool(t)
	ctx := context.Background()
	alice := tokenstore.Identity{UserID: "alice", ClientID: "c1"}
	bob := tokenstore.Identity{UserID: "bob", ClientID: "c1"}

	for _, id := range []tokenstore.Identity{alice, bob} {
		require.NoError(t, store.Bind(id).Save(ctx, &tokenstore.TokenRecord{
			AccessToken: "a", RefreshToken: "r", ExpiresAt: clock.Now().Add(time.Hour),
		}))
		require.True(t, pool.Manager(id).Initialize(ctx))
	}

	pool.Invalidate(alice)
	assert.IsType(t, Uninitialized{}, pool.Manager(alice).State())
	assert.IsType(t, Valid{}, pool.Manager(bob).State())

	pool.Invalidate(tokenstore.Identity{UserID: "carol", ClientID: "c1"})
	assert.Equal(t, 2, pool.Len(), "invalidating an unknown identity creates no manager")
}

func TestPool_Discard(t *testing.T) {
	pool, store, clock := newTestPool(t)
	ctx := context.Background()
	id := tokenstore.Identity{UserID: "pending-1", ClientID: "c1"}

	require.NoError(t, store.Bind(id).Save(ctx, &tokenstore.TokenRecord{
		AccessToken: "a", RefreshToken: "r", ExpiresAt: clock.Now().Add(time.Hour),
	}))
	first := pool.Manager(id)
	require.Equal(t, 1, pool.Len())

	pool.Discard(id)
	assert.Equal(t, 0, pool.Len())
	pool.Discard(id)

	_, err := store.Bind(id).Load(ctx)
	assert.NoError(t, err, "discard leaves the store alone")
	assert.NotSame(t, first, pool.Manager(id))
}

func TestSinglePool(t *testing.T) {
	f := newManagerFixture(t)
	pool := NewSinglePool(f.manager)

	assert.Same(t, f.manager, pool.Manager(tokenstore.Identity{UserID: "anyone"}))
	assert.NoError(t, pool.Migrate(context.Background(), tokenstore.Identity{}, tokenstore.Identity{UserID: "x"}))

	pool.Discard(tokenstore.Identity{UserID: "anyone"})
	assert.Same(t, f.manager, pool.Manager(tokenstore.Identity{}))

	f.seed(t, time.Hour)
	require.True(t, f.manager.Initialize(context.Background()))
	pool.InvalidateAll()
	assert.IsType(t, Uninitialized{}, f.manager.State())

	require.True(t, f.manager.Initialize(context.Background()))
	pool.Invalidate(tokenstore.Identity{UserID: "anyone"})
	assert.IsType(t, Uninitialized{}, f.manager.State())
}
