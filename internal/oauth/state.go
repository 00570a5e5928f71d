package oauth

import (
	"brokermcp/internal/tokenstore"
)

// State names reported by TokenState.Name and in diagnostics.
const (
	StateNameUninitialized = "uninitialized"
	StateNameValid         = "valid"
	StateNameExpired       = "expired"
	StateNameRefreshing    = "refreshing"
	StateNameError         = "error"
)

// TokenState is the state of a TokenManager. The set of implementations is
// closed: Uninitialized, Valid, Expired, Refreshing and Errored.
type TokenState interface {
	Name() string
	tokenState()
}

// Uninitialized means no token data is loaded. IsInitializing is set while
// Initialize is loading from the store.
type Uninitialized struct {
	IsInitializing bool
}

// Valid carries a token that is not near expiry.
type Valid struct {
	Token *tokenstore.TokenRecord
}

// Expired carries a token that is near expiry or past it.
type Expired struct {
	Token *tokenstore.TokenRecord
}

// Refreshing carries the pre-refresh snapshot while a refresh is in flight.
type Refreshing struct {
	Token *tokenstore.TokenRecord
}

// Errored records the failure that stopped the manager. Only Initialize
// (directly or through HandleReconnection) leaves this state.
type Errored struct {
	Cause error
}

func (Uninitialized) Name() string { return StateNameUninitialized }
func (Valid) Name() string         { return StateNameValid }
func (Expired) Name() string       { return StateNameExpired }
func (Refreshing) Name() string    { return StateNameRefreshing }
func (Errored) Name() string       { return StateNameError }

func (Uninitialized) tokenState() {}
func (Valid) tokenState()         {}
func (Expired) tokenState()       {}
func (Refreshing) tokenState()    {}
func (Errored) tokenState()       {}

// tokenOf returns the token carried by s, or nil.
func tokenOf(s TokenState) *tokenstore.TokenRecord {
	switch v := s.(type) {
	case Valid:
		return v.Token
	case Expired:
		return v.Token
	case Refreshing:
		return v.Token
	default:
		return nil
	}
}
