package broker

import (
	"context"
	"encoding/json"
	"time"

	"brokermcp/internal/oauth"
)

// API is the slice of the brokerage REST API the tools use. Payload shapes
// beyond what the server needs are passed through untouched.
type API interface {
	UserPreference(ctx context.Context) (*UserPreference, error)
	Accounts(ctx context.Context) ([]Account, error)
	Quotes(ctx context.Context, symbols []string) (map[string]Quote, error)
	Orders(ctx context.Context, accountHash string, from, to time.Time) ([]json.RawMessage, error)
}

// TokenSource returns the access token for a request. The token stays
// redacted until it is written to the Authorization header.
type TokenSource func(ctx context.Context) (oauth.RedactedToken, error)

// UserPreference is the identity-bearing user preference document.
type UserPreference struct {
	StreamerInfo []StreamerInfo `json:"streamerInfo"`
}

// StreamerInfo carries the correlation id that identifies the upstream user.
type StreamerInfo struct {
	CorrelationID string `json:"correlationId"`
}

// CorrelationID returns the first non-empty correlation id.
func (p *UserPreference) CorrelationID() string {
	for _, s := range p.StreamerInfo {
		if s.CorrelationID != "" {
			return s.CorrelationID
		}
	}
	return ""
}

// Account is a brokerage account. HashValue is the opaque id used in
// account-scoped URLs.
type Account struct {
	AccountNumber string `json:"accountNumber"`
	HashValue     string `json:"hashValue"`
	Type          string `json:"type,omitempty"`
}

// Quote is a level-one quote.
type Quote struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"lastPrice"`
	BidPrice  float64 `json:"bidPrice"`
	AskPrice  float64 `json:"askPrice"`
}
