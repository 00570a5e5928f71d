package tokenstore

import (
	"context"
	"sync"
	"time"

	"brokermcp/pkg/logging"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryKV is a thread-safe in-process KV. Expired entries are hidden on
// read and removed by a background cleanup loop.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryKV creates a MemoryKV and starts its cleanup loop. Call Close to
// stop it.
func NewMemoryKV() *MemoryKV {
	kv := &MemoryKV{
		entries:         make(map[string]memoryEntry),
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go kv.cleanupLoop()
	return kv
}

// SetClock replaces the time source. Used by tests.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the cleanup loop. It is safe to call more than once.
func (m *MemoryKV) Close() error {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
	return nil
}

func (m *MemoryKV) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

func (m *MemoryKV) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			count++
		}
	}
	if count > 0 {
		logging.Debug("TokenStore", "Cleaned up %d expired entries", count)
	}
}
