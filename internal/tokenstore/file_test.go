package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKV_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	kv, err := NewFileKV(filepath.Join(t.TempDir(), "tokens"))
	require.NoError(t, err)

	_, err = kv.Get(ctx, "app:token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "app:token", []byte(`{"a":1}`), 0))
	got, err := kv.Get(ctx, "app:token")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)

	info, err := os.Stat(kv.path("app:token"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(kv.Dir())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	require.NoError(t, kv.Delete(ctx, "app:token"))
	_, err = kv.Get(ctx, "app:token")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, kv.Delete(ctx, "app:token"))
}

func TestFileKV_Expiry(t *testing.T) {
	ctx := context.Background()
	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)

	clock := newFakeClock()
	kv.now = clock.Now

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	clock.Advance(2 * time.Minute)

	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(kv.path("k"))
	assert.True(t, os.IsNotExist(statErr), "expired entry file is removed")
}

func TestFileKV_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writer, err := NewFileKV(dir)
	require.NoError(t, err)
	watcher, err := NewFileKV(dir)
	require.NoError(t, err)

	// An entry that exists before Watch starts can be named when removed.
	require.NoError(t, writer.Set(ctx, "token:alice:c1", []byte("v"), 0))

	changed := make(chan string, 64)
	require.NoError(t, watcher.Watch(ctx, func(key string) {
		select {
		case changed <- key:
		default:
		}
	}))

	require.NoError(t, writer.Set(ctx, "app:token", []byte("v"), 0))
	waitForKey(t, changed, "app:token")

	require.NoError(t, writer.Delete(ctx, "token:alice:c1"))
	waitForKey(t, changed, "token:alice:c1")
}

func waitForKey(t *testing.T, changed <-chan string, want string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case key := <-changed:
			if key == want {
				return
			}
		case <-timeout:
			t.Fatalf("expected a change notification for %q", want)
		}
	}
}

func TestNewFileKV_RequiresDir(t *testing.T) {
	_, err := NewFileKV("")
	assert.Error(t, err)
}
