package oauth

import (
	"context"
	"errors"
	"time"

	"brokermcp/internal/tokenstore"
)

// Default timings for the token manager.
const (
	// DefaultRefreshThreshold is how long before expiry a token is
	// considered near expiry and gets refreshed.
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultReconnectInterval is the minimum time between two
	// HandleReconnection attempts.
	DefaultReconnectInterval = 5 * time.Second

	// DefaultRequestTimeout bounds every call to the authorization server
	// and the token store.
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrNoRefreshToken is recorded when a refresh is needed but the token
	// data carries no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrIncompleteToken is recorded when the authorization server returns
	// a token missing the access token, refresh token or expiry.
	ErrIncompleteToken = errors.New("token response is incomplete")

	// ErrTokenInvalid is recorded when validation reports the stored token
	// as invalid and not refreshable.
	ErrTokenInvalid = errors.New("stored token is invalid")
)

// Clock provides the current time. Tests inject a controllable clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// AuthorizationParams are the inputs for building an authorization URL.
type AuthorizationParams struct {
	// State is the caller's opaque state. The client may wrap it further.
	State string
}

// AuthorizationResult is the URL the resource owner is sent to.
type AuthorizationResult struct {
	AuthURL string
	// State is the value actually sent as the state parameter.
	State string
}

// UpstreamClient is the OAuth client for the brokerage authorization
// server.
type UpstreamClient interface {
	// AuthorizationURL builds the authorization redirect.
	AuthorizationURL(ctx context.Context, params AuthorizationParams) (*AuthorizationResult, error)

	// ExchangeCode trades an authorization code for tokens. state must be
	// the value returned to the callback, unmodified.
	ExchangeCode(ctx context.Context, code, state string) (*tokenstore.TokenRecord, error)

	// Refresh obtains a new token with refreshToken.
	Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenRecord, error)
}

// StateUnwrapper is implemented by clients that wrap the caller's state.
type StateUnwrapper interface {
	UnwrapState(state string) (string, error)
}

// Validation is the result of a token validation.
type Validation struct {
	Valid      bool
	CanRefresh bool
	Reason     string
}

// TokenValidator is optionally implemented by clients able to check a token
// against the authorization server.
type TokenValidator interface {
	ValidateToken(ctx context.Context, rec *tokenstore.TokenRecord) Validation
}

// Reconnector is optionally implemented by clients with their own
// reconnection routine.
type Reconnector interface {
	Reconnect(ctx context.Context) bool
}

// unwrapper is implemented by client decorators.
type unwrapper interface {
	Unwrap() UpstreamClient
}

// findCapability walks the decorator chain of c looking for a T.
func findCapability[T any](c UpstreamClient) (T, bool) {
	for c != nil {
		if v, ok := c.(T); ok {
			return v, true
		}
		u, ok := c.(unwrapper)
		if !ok {
			break
		}
		c = u.Unwrap()
	}
	var zero T
	return zero, false
}

// UnwrapState returns the caller's state from an upstream state value,
// using the client's StateUnwrapper when it has one. Clients that do not
// wrap state get the value back unchanged.
func UnwrapState(c UpstreamClient, state string) (string, error) {
	if u, ok := findCapability[StateUnwrapper](c); ok {
		return u.UnwrapState(state)
	}
	return state, nil
}
