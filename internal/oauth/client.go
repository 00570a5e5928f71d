package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"brokermcp/internal/signing"
	"brokermcp/internal/tokenstore"
	"brokermcp/pkg/logging"
)

// ClientConfig configures the brokerage OAuth client.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// AuthStyleInParams sends client credentials in the form body instead
	// of an HTTP Basic header.
	AuthStyleInParams bool

	// Timeout bounds each request to the token endpoint.
	Timeout time.Duration
	// HTTPClient overrides the HTTP client, mostly for tests.
	HTTPClient *http.Client
}

// pkceState is the signed wrapper placed in the upstream state parameter.
// It carries the caller's state and the PKCE verifier for the callback.
type pkceState struct {
	State    string `json:"s"`
	Verifier string `json:"v"`
}

// Client implements UpstreamClient with golang.org/x/oauth2 and S256 PKCE.
//
// The PKCE verifier is not kept server-side: it travels inside the signed
// state parameter, so any process sharing the signing secret can complete
// the callback.
type Client struct {
	config     *oauth2.Config
	codec      *signing.Codec
	httpClient *http.Client
}

// NewClient creates a client. codec signs the state wrapper.
func NewClient(cfg ClientConfig, codec *signing.Codec) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth client id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, errors.New("oauth authorization and token URLs are required")
	}
	if codec == nil {
		return nil, errors.New("state codec is required")
	}

	authStyle := oauth2.AuthStyleInHeader
	if cfg.AuthStyleInParams {
		authStyle = oauth2.AuthStyleInParams
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: authStyle,
			},
		},
		codec:      codec,
		httpClient: httpClient,
	}, nil
}

// AuthorizationURL builds the authorization redirect with a fresh PKCE
// verifier embedded in the signed state.
func (c *Client) AuthorizationURL(_ context.Context, params AuthorizationParams) (*AuthorizationResult, error) {
	verifier := oauth2.GenerateVerifier()
	wrapped, err := c.codec.Sign(pkceState{State: params.State, Verifier: verifier})
	if err != nil {
		return nil, fmt.Errorf("failed to sign state: %w", err)
	}

	authURL := c.config.AuthCodeURL(wrapped, oauth2.S256ChallengeOption(verifier))
	return &AuthorizationResult{AuthURL: authURL, State: wrapped}, nil
}

// UnwrapState verifies the upstream state and returns the caller's state.
func (c *Client) UnwrapState(state string) (string, error) {
	var p pkceState
	if err := c.codec.Verify(state, &p); err != nil {
		return "", fmt.Errorf("invalid upstream state: %w", err)
	}
	return p.State, nil
}

// ExchangeCode exchanges code using the verifier carried in state.
func (c *Client) ExchangeCode(ctx context.Context, code, state string) (*tokenstore.TokenRecord, error) {
	var p pkceState
	if err := c.codec.Verify(state, &p); err != nil {
		return nil, fmt.Errorf("invalid upstream state: %w", err)
	}
	if p.Verifier == "" {
		return nil, errors.New("upstream state carries no PKCE verifier")
	}

	tok, err := c.config.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(p.Verifier))
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", describeTokenError(err))
	}

	logging.Debug("OAuth", "Exchanged authorization code (expires: %v)", tok.Expiry)
	return toRecord(tok), nil
}

// Refresh obtains a new token from refreshToken. When the server does not
// rotate the refresh token, the previous one is kept.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenRecord, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	// An empty access token makes the source refresh immediately.
	src := c.config.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh failed: %w", describeTokenError(err))
	}

	logging.Debug("OAuth", "Refreshed token (expires: %v)", tok.Expiry)
	return toRecord(tok), nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// toRecord converts an oauth2 token. oauth2 has already turned expires_in
// into an absolute expiry.
func toRecord(tok *oauth2.Token) *tokenstore.TokenRecord {
	rec := &tokenstore.TokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenType:    tok.Type(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		rec.Scope = scope
	}
	return rec
}

// describeTokenError strips the raw response body from oauth2 errors so
// the error text never carries token material.
func describeTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		parts := []string{}
		if re.ErrorCode != "" {
			parts = append(parts, re.ErrorCode)
		}
		if re.ErrorDescription != "" {
			parts = append(parts, re.ErrorDescription)
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return fmt.Errorf("token endpoint returned %d: %s", status, strings.Join(parts, ": "))
	}
	return err
}
