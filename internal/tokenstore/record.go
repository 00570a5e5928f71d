package tokenstore

import (
	"time"
)

// DefaultTokenType is used when a record carries no token type.
const DefaultTokenType = "Bearer"

// TokenRecord is a persisted upstream OAuth token.
//
// ExpiresAt is absolute. Relative lifetimes from token responses are
// converted before a record is built.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy of the record. A nil record yields nil.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ExpiresWithin reports whether the record expires within threshold of now,
// i.e. now + threshold >= ExpiresAt. A record without an expiry is treated
// as expired.
func (r *TokenRecord) ExpiresWithin(now time.Time, threshold time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(threshold).Before(r.ExpiresAt)
}

// mergeRecord builds the record to persist from an incoming update and the
// previously stored record (which may be nil).
func mergeRecord(prev, next *TokenRecord, now time.Time) *TokenRecord {
	out := next.Clone()
	if prev != nil {
		if out.AccessToken == "" {
			out.AccessToken = prev.AccessToken
		}
		if out.RefreshToken == "" {
			out.RefreshToken = prev.RefreshToken
		}
		if out.ExpiresAt.IsZero() {
			out.ExpiresAt = prev.ExpiresAt
		}
		if out.TokenType == "" {
			out.TokenType = prev.TokenType
		}
		if out.Scope == "" {
			out.Scope = prev.Scope
		}
		if !prev.CreatedAt.IsZero() {
			out.CreatedAt = prev.CreatedAt
		}
	}
	if out.TokenType == "" {
		out.TokenType = DefaultTokenType
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return out
}
