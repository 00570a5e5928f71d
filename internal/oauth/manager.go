package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"brokermcp/internal/autherr"
	"brokermcp/internal/tokenstore"
	"brokermcp/pkg/logging"
)

// ManagerConfig configures a TokenManager. Zero values use the package
// defaults.
type ManagerConfig struct {
	// RefreshThreshold is how long before expiry a token counts as near
	// expiry. Nil or negative uses DefaultRefreshThreshold; zero refreshes
	// only once the token has expired.
	RefreshThreshold  *time.Duration
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration
	Clock             Clock

	// Label identifies the manager in logs, e.g. a truncated user id.
	Label string
}

// TokenManager owns the upstream token of one identity within this process.
//
// State changes happen under a mutex; store and network I/O happen outside
// it. The Refreshing state is what serializes refreshes: a caller that
// finds a refresh in flight gets false back immediately and should retry
// later. Operations never block on another caller's network call.
type TokenManager struct {
	mu            sync.Mutex
	state         TokenState
	gen           uint64 // bumped on every state change
	reloading     bool
	lastReconnect time.Time

	client  UpstreamClient
	store   tokenstore.Store
	metrics refreshCounters

	threshold         time.Duration
	reconnectInterval time.Duration
	timeout           time.Duration
	clock             Clock
	label             string
}

// NewTokenManager creates a manager in the Uninitialized state. client
// should persist tokens it obtains (see PersistingClient); store is read on
// Initialize and cleared on Logout.
func NewTokenManager(client UpstreamClient, store tokenstore.Store, cfg ManagerConfig) *TokenManager {
	m := &TokenManager{
		state:             Uninitialized{},
		client:            client,
		store:             store,
		threshold:         DefaultRefreshThreshold,
		reconnectInterval: cfg.ReconnectInterval,
		timeout:           cfg.RequestTimeout,
		clock:             cfg.Clock,
		label:             cfg.Label,
	}
	if cfg.RefreshThreshold != nil && *cfg.RefreshThreshold >= 0 {
		m.threshold = *cfg.RefreshThreshold
	}
	if m.reconnectInterval <= 0 {
		m.reconnectInterval = DefaultReconnectInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultRequestTimeout
	}
	if m.clock == nil {
		m.clock = realClock{}
	}
	if m.label == "" {
		m.label = "default"
	}
	return m
}

// State returns the current state.
func (m *TokenManager) State() TokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState must be called with m.mu held.
func (m *TokenManager) setState(s TokenState) {
	if m.state.Name() != s.Name() {
		logging.Debug("TokenManager", "[%s] state %s -> %s", m.label, m.state.Name(), s.Name())
	}
	m.state = s
	m.gen++
}

// nearExpiry evaluates the expiry rule against the current time.
func (m *TokenManager) nearExpiry(rec *tokenstore.TokenRecord) bool {
	return rec.ExpiresWithin(m.clock.Now(), m.threshold)
}

// classify picks Valid or Expired for freshly obtained token data.
func (m *TokenManager) classify(rec *tokenstore.TokenRecord) TokenState {
	if m.nearExpiry(rec) {
		return Expired{Token: rec}
	}
	return Valid{Token: rec}
}

// Initialize loads token data from the store. It returns true when token
// data was loaded (Valid or Expired) and false when nothing is stored, the
// load failed, or another Initialize or refresh is in progress.
//
// From Valid or Expired the record is reloaded, since another process may
// have written a newer one. The cached state stays current until the load
// returns, and a concurrent reload reports the cached token.
func (m *TokenManager) Initialize(ctx context.Context) bool {
	m.mu.Lock()
	reload := false
	switch s := m.state.(type) {
	case Uninitialized:
		if s.IsInitializing {
			m.mu.Unlock()
			return false
		}
	case Errored:
		logging.Debug("TokenManager", "[%s] re-initializing after error: %v", m.label, s.Cause)
		m.setState(Uninitialized{})
	case Valid, Expired:
		if m.reloading {
			m.mu.Unlock()
			return true
		}
		reload = true
	case Refreshing:
		m.mu.Unlock()
		return false
	default:
		logging.Error("TokenManager", nil, "[%s] unknown state %T in Initialize", m.label, s)
		m.mu.Unlock()
		return false
	}
	if reload {
		m.reloading = true
	} else {
		m.setState(Uninitialized{IsInitializing: true})
	}
	gen := m.gen
	m.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, m.timeout)
	rec, err := m.store.Load(loadCtx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if reload {
		m.reloading = false
	}

	if m.gen != gen {
		// Another operation moved the state on while we were loading;
		// keep it.
		_, hasToken := m.state.(Valid)
		return hasToken
	}

	switch {
	case errors.Is(err, tokenstore.ErrNotFound):
		m.setState(Uninitialized{})
		logging.Debug("TokenManager", "[%s] no stored token", m.label)
		return false
	case err != nil:
		m.setState(Errored{Cause: fmt.Errorf("failed to load token: %w", err)})
		logging.Error("TokenManager", err, "[%s] failed to load token", m.label)
		return false
	}

	m.setState(m.classify(rec))
	return true
}

// EnsureValidToken makes sure a usable access token is available,
// initializing or refreshing as needed. A false result means the caller
// is not authenticated right now: never authenticated, failed, or a
// refresh in flight elsewhere.
func (m *TokenManager) EnsureValidToken(ctx context.Context) bool {
	for attempt := 0; attempt < 2; attempt++ {
		state := m.State()

		switch s := state.(type) {
		case Uninitialized:
			if s.IsInitializing || attempt > 0 {
				return false
			}
			if !m.Initialize(ctx) {
				return false
			}
			continue
		case Valid:
			if m.nearExpiry(s.Token) {
				return m.Refresh(ctx)
			}
			return m.validate(ctx, s.Token)
		case Expired:
			return m.Refresh(ctx)
		case Refreshing:
			return false
		case Errored:
			return false
		default:
			logging.Error("TokenManager", nil, "[%s] unknown state %T in EnsureValidToken", m.label, s)
			return false
		}
	}
	return false
}

// validate consults the client's TokenValidator, when it has one.
func (m *TokenManager) validate(ctx context.Context, rec *tokenstore.TokenRecord) bool {
	validator, ok := findCapability[TokenValidator](m.client)
	if !ok {
		return true
	}

	vctx, cancel := context.WithTimeout(ctx, m.timeout)
	v := validator.ValidateToken(vctx, rec)
	cancel()

	if v.Valid {
		return true
	}
	if v.CanRefresh {
		logging.Debug("TokenManager", "[%s] token rejected (%s), refreshing", m.label, v.Reason)
		return m.refresh(ctx, true)
	}

	logging.Warn("TokenManager", "[%s] token invalid and not refreshable: %s", m.label, v.Reason)
	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	if err := m.store.Delete(dctx); err != nil {
		logging.Error("TokenManager", err, "[%s] failed to delete invalid token", m.label)
	}
	cancel()

	m.mu.Lock()
	m.setState(Errored{Cause: fmt.Errorf("%w: %s", ErrTokenInvalid, v.Reason)})
	m.mu.Unlock()
	return false
}

// AccessToken returns a usable access token, or false when none can be
// obtained right now.
func (m *TokenManager) AccessToken(ctx context.Context) (string, bool) {
	if !m.EnsureValidToken(ctx) {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.state.(Valid); ok {
		return v.Token.AccessToken, true
	}
	return "", false
}

// Refresh refreshes the token when it is near expiry. From Valid the expiry
// is re-checked first and a token that is not near expiry makes this a
// successful no-op. From Uninitialized or Errored nothing happens and
// false is returned. A caller that finds a refresh already in flight gets
// false and should retry later.
func (m *TokenManager) Refresh(ctx context.Context) bool {
	return m.refresh(ctx, false)
}

// RefreshRejected refreshes regardless of expiry. Callers use it when the
// brokerage refused an access token the manager still considers valid.
func (m *TokenManager) RefreshRejected(ctx context.Context) bool {
	return m.refresh(ctx, true)
}

func (m *TokenManager) refresh(ctx context.Context, force bool) bool {
	m.mu.Lock()
	var snapshot *tokenstore.TokenRecord
	switch s := m.state.(type) {
	case Valid:
		if !force && !m.nearExpiry(s.Token) {
			m.mu.Unlock()
			return true
		}
		snapshot = s.Token
	case Expired:
		snapshot = s.Token
	case Refreshing:
		m.mu.Unlock()
		logging.Debug("TokenManager", "[%s] refresh already in progress", m.label)
		return false
	case Uninitialized, Errored:
		m.mu.Unlock()
		return false
	default:
		logging.Error("TokenManager", nil, "[%s] unknown state %T in Refresh", m.label, s)
		m.mu.Unlock()
		return false
	}

	if snapshot.RefreshToken == "" {
		m.setState(Errored{Cause: ErrNoRefreshToken})
		m.mu.Unlock()
		return false
	}
	m.setState(Refreshing{Token: snapshot})
	m.mu.Unlock()

	m.metrics.attempt()

	rctx, cancel := context.WithTimeout(ctx, m.timeout)
	rec, err := m.client.Refresh(rctx, snapshot.RefreshToken)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, still := m.state.(Refreshing); !still {
		// Logout or a new exchange superseded this refresh.
		logging.Debug("TokenManager", "[%s] refresh result discarded, state is now %s", m.label, m.state.Name())
		return false
	}

	now := m.clock.Now()
	switch {
	case err != nil:
		m.metrics.failure(now)
		m.setState(Errored{Cause: autherr.Wrap(autherr.TokenRefreshFailed, "token refresh failed", err)})
		logging.Error("TokenManager", err, "[%s] token refresh failed", m.label)
		logging.Audit(logging.AuditEvent{Action: "token_refresh", Outcome: "failure", Details: m.label})
		return false
	case rec == nil || rec.AccessToken == "" || rec.RefreshToken == "" || rec.ExpiresAt.IsZero():
		m.metrics.failure(now)
		m.setState(Errored{Cause: ErrIncompleteToken})
		logging.Warn("TokenManager", "[%s] refresh returned incomplete token data", m.label)
		return false
	}

	m.metrics.success(now)
	m.setState(Valid{Token: rec.Clone()})
	logging.Audit(logging.AuditEvent{Action: "token_refresh", Outcome: "success", Details: m.label})
	return true
}

// HandleReconnection re-establishes the token state after a transport
// reconnect. Attempts closer together than the reconnect interval return
// false without doing anything. The client's Reconnector is preferred;
// otherwise the manager re-initializes from the store.
func (m *TokenManager) HandleReconnection(ctx context.Context) bool {
	m.mu.Lock()
	now := m.clock.Now()
	if !m.lastReconnect.IsZero() && now.Sub(m.lastReconnect) < m.reconnectInterval {
		m.mu.Unlock()
		logging.Debug("TokenManager", "[%s] reconnection rate limited", m.label)
		return false
	}
	m.lastReconnect = now
	m.mu.Unlock()

	if r, ok := findCapability[Reconnector](m.client); ok {
		rctx, cancel := context.WithTimeout(ctx, m.timeout)
		reconnected := r.Reconnect(rctx)
		cancel()
		if !reconnected {
			return false
		}
	}
	return m.Initialize(ctx)
}

// Exchange trades an authorization code for a token and makes it current.
// state must be passed through from the callback untouched.
func (m *TokenManager) Exchange(ctx context.Context, code, state string) (*tokenstore.TokenRecord, error) {
	ectx, cancel := context.WithTimeout(ctx, m.timeout)
	rec, err := m.client.ExchangeCode(ectx, code, state)
	cancel()
	if err != nil {
		logging.Audit(logging.AuditEvent{Action: "token_exchange", Outcome: "failure", Details: m.label})
		return nil, autherr.Wrap(autherr.TokenExchangeFailed, "token exchange failed", err)
	}
	if rec == nil || rec.AccessToken == "" {
		return nil, autherr.Wrap(autherr.TokenExchangeFailed, "token exchange failed", ErrIncompleteToken)
	}

	m.mu.Lock()
	m.setState(m.classify(rec.Clone()))
	m.mu.Unlock()

	logging.Audit(logging.AuditEvent{Action: "token_exchange", Outcome: "success", Details: m.label})
	return rec, nil
}

// Invalidate drops cached token data so the next EnsureValidToken reloads
// from the store. It is driven by cross-process change hints and leaves
// in-flight work and error states alone.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.(type) {
	case Valid, Expired:
		m.setState(Uninitialized{})
	}
}

// Logout deletes the stored token and resets the manager.
func (m *TokenManager) Logout(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.store.Delete(dctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	m.mu.Lock()
	m.setState(Uninitialized{})
	m.mu.Unlock()

	logging.Audit(logging.AuditEvent{Action: "logout", Outcome: "success", Details: m.label})
	return nil
}

// Diagnostics describes the manager for operators. It is not meant for
// control flow.
type Diagnostics struct {
	State                string         `json:"state"`
	HasAccessToken       bool           `json:"has_access_token"`
	HasRefreshToken      bool           `json:"has_refresh_token"`
	ExpiresInSeconds     *int64         `json:"expires_in_seconds,omitempty"`
	LastReconnectAttempt *time.Time     `json:"last_reconnect_attempt,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
	Refresh              RefreshMetrics `json:"refresh"`
}

// Diagnostics returns a snapshot of the manager. ExpiresInSeconds is
// negative for an expired token and absent when no token is held.
func (m *TokenManager) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Diagnostics{
		State:   m.state.Name(),
		Refresh: m.metrics.snapshot(),
	}
	if rec := tokenOf(m.state); rec != nil {
		d.HasAccessToken = rec.AccessToken != ""
		d.HasRefreshToken = rec.RefreshToken != ""
		if !rec.ExpiresAt.IsZero() {
			secs := int64(rec.ExpiresAt.Sub(m.clock.Now()) / time.Second)
			d.ExpiresInSeconds = &secs
		}
	}
	if e, ok := m.state.(Errored); ok && e.Cause != nil {
		d.LastError = e.Cause.Error()
	}
	if !m.lastReconnect.IsZero() {
		t := m.lastReconnect
		d.LastReconnectAttempt = &t
	}
	return d
}

// BearerToken is AccessToken wrapped in a RedactedToken. Brokerage calls
// take their token from here.
func (m *TokenManager) BearerToken(ctx context.Context) (RedactedToken, bool) {
	tok, ok := m.AccessToken(ctx)
	return NewRedactedToken(tok), ok
}
