package tokenstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"brokermcp/pkg/logging"
)

const fileSuffix = ".json"

// fileEntry is the on-disk representation of a FileKV entry.
type fileEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// FileKV stores each key as a 0600 JSON file in a 0700 directory. File
// names are derived from a hash of the key so arbitrary keys are safe.
type FileKV struct {
	dir string
	now func() time.Time
	mu  sync.Mutex

	// names maps entry file names to the keys they hold, so a removed
	// file can still be reported by key.
	names map[string]string
}

// NewFileKV creates the directory if needed and returns a FileKV rooted
// there.
func NewFileKV(dir string) (*FileKV, error) {
	if dir == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileKV{dir: dir, now: time.Now, names: make(map[string]string)}, nil
}

// Dir returns the storage directory.
func (f *FileKV) Dir() string {
	return f.dir
}

// path returns the entry file of key and remembers the mapping. Must be
// called with f.mu held.
func (f *FileKV) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:16]) + fileSuffix
	f.names[name] = key
	return filepath.Join(f.dir, name)
}

// keyOf returns the key of the entry file at path, or "" when it is
// unknown. Must be called with f.mu held.
func (f *FileKV) keyOf(path string) string {
	name := filepath.Base(path)
	if data, err := os.ReadFile(path); err == nil {
		var e fileEntry
		if json.Unmarshal(data, &e) == nil && e.Key != "" {
			f.names[name] = e.Key
			return e.Key
		}
	}
	return f.names[name]
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var e fileEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse entry for %s: %w", key, err)
	}
	if !e.ExpiresAt.IsZero() && !f.now().Before(e.ExpiresAt) {
		_ = os.Remove(f.path(key))
		return nil, ErrNotFound
	}
	return e.Value, nil
}

func (f *FileKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := fileEntry{Key: key, Value: value}
	if ttl > 0 {
		e.ExpiresAt = f.now().Add(ttl)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry for %s: %w", key, err)
	}

	// Write to a temp file and rename so readers never see a partial file.
	target := f.path(key)
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write entry for %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to store entry for %s: %w", key, err)
	}
	return nil
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Watch calls onChange with the key of every entry written or removed in
// the directory, until ctx is cancelled. The key is "" when a removed file
// was never seen by this FileKV. Notifications are hints only: they may be
// coalesced or duplicated and include this process's own writes.
func (f *FileKV) Watch(ctx context.Context, onChange func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}

	// Learn the keys of existing entries so their removal can be named.
	if matches, err := filepath.Glob(filepath.Join(f.dir, "*"+fileSuffix)); err == nil {
		f.mu.Lock()
		for _, path := range matches {
			f.keyOf(path)
		}
		f.mu.Unlock()
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, fileSuffix) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					f.mu.Lock()
					key := f.keyOf(event.Name)
					f.mu.Unlock()
					onChange(key)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("TokenStore", "File watcher error: %v", err)
			}
		}
	}()
	return nil
}
