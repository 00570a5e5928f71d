package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	kv := NewRedisKVWithClient(client, "brokermcp:")
	t.Cleanup(func() { kv.Close() })
	return kv, mr
}

func TestRedisKV_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	kv, mr := newTestRedisKV(t)

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("brokermcp:k"), "key prefix is applied")

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, kv.Delete(ctx, "k"), "deleting a missing key is not an error")
}

func TestRedisKV_TTL(t *testing.T) {
	ctx := context.Background()
	kv, mr := newTestRedisKV(t)

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("brokermcp:k"))

	mr.FastForward(2 * time.Minute)
	_, err := kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisKV_SharedBetweenStores(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	// Two clients stand in for two server processes.
	kvA := NewRedisKVWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "app:")
	kvB := NewRedisKVWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "app:")
	t.Cleanup(func() {
		kvA.Close()
		kvB.Close()
	})

	storeA := NewFixedKeyStore(kvA, "broker", Options{})
	storeB := NewFixedKeyStore(kvB, "broker", Options{})

	require.NoError(t, storeA.Save(ctx, &TokenRecord{AccessToken: "from-a", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, storeB.Save(ctx, &TokenRecord{AccessToken: "from-b"}))

	rec, err := storeA.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-b", rec.AccessToken, "last write wins")
	assert.True(t, mr.Exists("app:broker:token-sync"))
}

func TestNewRedisKV_RequiresAddr(t *testing.T) {
	_, err := NewRedisKV(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestNewRedisKV_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	kv, err := NewRedisKV(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "p:"})
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Set(context.Background(), "x", []byte("1"), 0))
	assert.True(t, mr.Exists("p:x"))
}
