// Package grants is the downstream half of the authorization flow: it
// issues one-time authorization codes to MCP clients once the brokerage
// flow completed, exchanges them for opaque bearer grants and resolves
// those grants on every MCP request.
package grants

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"brokermcp/internal/authflow"
	"brokermcp/internal/autherr"
	"brokermcp/internal/tokenstore"
	"brokermcp/pkg/logging"
)

const (
	// DefaultCodeTTL bounds how long an issued code can be redeemed.
	DefaultCodeTTL = 10 * time.Minute

	// DefaultGrantTTL is the lifetime of a bearer grant.
	DefaultGrantTTL = 30 * 24 * time.Hour

	challengeMethodS256 = "S256"
)

// Options configures an Issuer.
type Options struct {
	CodeTTL  time.Duration
	GrantTTL time.Duration
	Now      func() time.Time
}

// Grant is what a bearer grant resolves to.
type Grant struct {
	UserID   string    `json:"user_id"`
	ClientID string    `json:"client_id"`
	Scope    []string  `json:"scope"`
	IssuedAt time.Time `json:"issued_at"`
}

// Identity returns the token-store identity the grant acts for.
func (g *Grant) Identity() tokenstore.Identity {
	return tokenstore.Identity{UserID: g.UserID, ClientID: g.ClientID}
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

type pendingCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	UserID              string    `json:"user_id"`
	Scope               []string  `json:"scope"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Issuer issues and resolves downstream grants on a KV backend.
type Issuer struct {
	kv   tokenstore.KV
	opts Options
}

// NewIssuer creates an Issuer.
func NewIssuer(kv tokenstore.KV, opts Options) *Issuer {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = DefaultGrantTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Issuer{kv: kv, opts: opts}
}

func codeKey(code string) string    { return "code:" + code }
func grantKey(bearer string) string { return "grant:" + bearer }

// CompleteAuthorization issues a one-time code for the completed flow and
// returns the client redirect that carries it.
func (i *Issuer) CompleteAuthorization(ctx context.Context, c authflow.Completion) (*authflow.CompletionResult, error) {
	redirect, err := url.Parse(c.Request.RedirectURI)
	if err != nil || redirect.Scheme == "" || redirect.Host == "" {
		return nil, autherr.Wrap(autherr.InvalidState, "invalid redirect URI", err)
	}
	if c.Request.CodeChallenge == "" || c.Request.CodeChallengeMethod != challengeMethodS256 {
		return nil, autherr.New(autherr.InvalidRequest, "an S256 code_challenge is required")
	}

	code := uuid.NewString()
	data, err := json.Marshal(pendingCode{
		ClientID:            c.Request.ClientID,
		RedirectURI:         c.Request.RedirectURI,
		UserID:              c.UserID,
		Scope:               c.Scope,
		CodeChallenge:       c.Request.CodeChallenge,
		CodeChallengeMethod: c.Request.CodeChallengeMethod,
		CreatedAt:           i.opts.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode authorization code: %w", err)
	}
	if err := i.kv.Set(ctx, codeKey(code), data, i.opts.CodeTTL); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	q := redirect.Query()
	q.Set("code", code)
	if c.Request.State != "" {
		q.Set("state", c.Request.State)
	}
	redirect.RawQuery = q.Encode()

	logging.Debug("Grants", "Issued authorization code for client %s", c.Request.ClientID)
	return &authflow.CompletionResult{RedirectTo: redirect.String()}, nil
}

// ExchangeCode redeems a code for a bearer grant. Codes are single use;
// a failed redemption burns the code as well.
func (i *Issuer) ExchangeCode(ctx context.Context, code, clientID, redirectURI, verifier string) (*TokenResponse, error) {
	if code == "" {
		return nil, autherr.New(autherr.InvalidGrant, "missing code")
	}
	data, err := i.kv.Get(ctx, codeKey(code))
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, autherr.New(autherr.InvalidGrant, "unknown or expired code")
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}
	if err := i.kv.Delete(ctx, codeKey(code)); err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var pending pendingCode
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}
	if clientID != pending.ClientID {
		return nil, autherr.New(autherr.InvalidGrant, "code was issued to another client")
	}
	if redirectURI != "" && redirectURI != pending.RedirectURI {
		return nil, autherr.New(autherr.InvalidGrant, "redirect_uri does not match")
	}
	if !verifyChallenge(pending.CodeChallenge, pending.CodeChallengeMethod, verifier) {
		return nil, autherr.New(autherr.InvalidGrant, "code_verifier does not match")
	}

	bearer := uuid.NewString()
	grant := Grant{UserID: pending.UserID, ClientID: pending.ClientID, Scope: pending.Scope, IssuedAt: i.opts.Now()}
	gdata, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("failed to encode grant: %w", err)
	}
	if err := i.kv.Set(ctx, grantKey(bearer), gdata, i.opts.GrantTTL); err != nil {
		return nil, fmt.Errorf("failed to store grant: %w", err)
	}

	logging.Audit(logging.AuditEvent{Action: "grant_issued", Outcome: "success", UserID: grant.UserID, ClientID: grant.ClientID})
	return &TokenResponse{
		AccessToken: bearer,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.opts.GrantTTL / time.Second),
		Scope:       strings.Join(grant.Scope, " "),
	}, nil
}

// Resolve returns the grant behind a bearer token.
func (i *Issuer) Resolve(ctx context.Context, bearer string) (*Grant, error) {
	if bearer == "" {
		return nil, autherr.New(autherr.NotAuthenticated, "missing bearer token")
	}
	data, err := i.kv.Get(ctx, grantKey(bearer))
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, autherr.New(autherr.NotAuthenticated, "unknown or expired bearer token")
		}
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	var g Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	return &g, nil
}

// Revoke deletes a bearer grant.
func (i *Issuer) Revoke(ctx context.Context, bearer string) error {
	if err := i.kv.Delete(ctx, grantKey(bearer)); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	return nil
}

// verifyChallenge checks an RFC 7636 S256 code verifier.
func verifyChallenge(challenge, method, verifier string) bool {
	if challenge == "" || verifier == "" || method != challengeMethodS256 {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
