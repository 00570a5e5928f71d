package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"brokermcp/pkg/logging"
)

// DefaultTTL is applied to every saved record unless overridden. It bounds
// how long an abandoned refresh token lingers in the backend.
const DefaultTTL = 90 * 24 * time.Hour

// Options configures a store topology.
type Options struct {
	// TTL is re-applied on every save. Zero uses DefaultTTL; a negative
	// value disables expiry.
	TTL time.Duration
	// Codec serializes records. Nil stores plain JSON.
	Codec *RecordCodec
	// Now is the time source. Nil uses time.Now.
	Now func() time.Time
	// Writer names this process in sync markers.
	Writer string
}

func (o Options) ttl() time.Duration {
	switch {
	case o.TTL == 0:
		return DefaultTTL
	case o.TTL < 0:
		return 0
	default:
		return o.TTL
	}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Sync actions written to the advisory sync key.
const (
	SyncActionSave   = "save"
	SyncActionDelete = "delete"
)

// SyncMarker is the advisory record written next to a fixed-key token on
// every change. Other processes may use it as a cache invalidation hint.
type SyncMarker struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Writer    string `json:"writer,omitempty"`
}

// recordStore implements Store for a single KV key.
type recordStore struct {
	kv      KV
	key     string
	syncKey string
	opts    Options
}

func (s *recordStore) Load(ctx context.Context) (*TokenRecord, error) {
	data, err := s.kv.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load token record: %w", err)
	}
	rec, err := s.opts.Codec.Decode(data)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *recordStore) Save(ctx context.Context, rec *TokenRecord) error {
	if rec == nil {
		return errors.New("token record is nil")
	}

	prev, err := s.Load(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// An unreadable previous record must not block a fresh write.
		logging.Warn("TokenStore", "Previous record unreadable, overwriting: %v", err)
		prev = nil
	}

	merged := mergeRecord(prev, rec, s.opts.now())
	data, err := s.opts.Codec.Encode(merged)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, s.key, data, s.opts.ttl()); err != nil {
		return fmt.Errorf("failed to save token record: %w", err)
	}
	s.writeSync(ctx, SyncActionSave)

	logging.Debug("TokenStore", "Saved token record (expires: %v)", merged.ExpiresAt)
	return nil
}

func (s *recordStore) Delete(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	s.writeSync(ctx, SyncActionDelete)
	logging.Debug("TokenStore", "Deleted token record")
	return nil
}

// writeSync records the advisory sync marker. Failures are logged only.
func (s *recordStore) writeSync(ctx context.Context, action string) {
	if s.syncKey == "" {
		return
	}
	data, err := json.Marshal(SyncMarker{Timestamp: s.opts.now().UnixMilli(), Action: action, Writer: s.opts.Writer})
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, s.syncKey, data, s.opts.ttl()); err != nil {
		logging.Warn("TokenStore", "Failed to write sync marker: %v", err)
	}
}

// FixedKeyStore keeps the single token record of a single-tenant
// deployment under "<app>:token".
type FixedKeyStore struct {
	recordStore
}

// NewFixedKeyStore creates a store for appName.
func NewFixedKeyStore(kv KV, appName string, opts Options) *FixedKeyStore {
	return &FixedKeyStore{recordStore{
		kv:      kv,
		key:     appName + ":token",
		syncKey: appName + ":token-sync",
		opts:    opts,
	}}
}

// Key returns the record key.
func (s *FixedKeyStore) Key() string {
	return s.key
}

// SyncKey returns the key of the advisory sync marker.
func (s *FixedKeyStore) SyncKey() string {
	return s.syncKey
}

// ChangedElsewhere reports whether the latest change was made by another
// writer, judged by the sync marker. A missing marker or an anonymous
// writer counts as a change.
func (s *FixedKeyStore) ChangedElsewhere(ctx context.Context) (bool, error) {
	m, err := s.LastSync(ctx)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return m.Writer == "" || m.Writer != s.opts.Writer, nil
}

// LastSync returns the most recent sync marker.
func (s *FixedKeyStore) LastSync(ctx context.Context) (*SyncMarker, error) {
	data, err := s.kv.Get(ctx, s.syncKey)
	if err != nil {
		return nil, err
	}
	var m SyncMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse sync marker: %w", err)
	}
	return &m, nil
}
