// Package broker is a thin client for the brokerage REST API.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"brokermcp/internal/autherr"
	"brokermcp/internal/oauth"
	"brokermcp/pkg/logging"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3

	maxErrorBody = 4 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int

	// RetryInterval is the first backoff interval. Mostly for tests.
	RetryInterval time.Duration

	HTTPClient *http.Client
}

// StatusError is a non-2xx response from the brokerage.
type StatusError struct {
	StatusCode int
	Path       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brokerage returned %d for %s", e.StatusCode, e.Path)
}

// IsUnauthorized reports whether err is a 401 from the brokerage.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// Client talks to the brokerage API.
type Client struct {
	baseURL       *url.URL
	http          *http.Client
	maxRetries    int
	retryInterval time.Duration

	identities singleflight.Group
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, autherr.New(autherr.ConfigurationMissing, "brokerage API base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" {
		return nil, fmt.Errorf("invalid brokerage API base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{baseURL: base, http: hc, maxRetries: cfg.MaxRetries, retryInterval: cfg.RetryInterval}, nil
}

// For returns an API whose requests authenticate with tokens from source.
func (c *Client) For(source TokenSource) API {
	return &session{client: c, source: source}
}

// FetchIdentity resolves the upstream identity of accessToken: the
// correlation id of the user preference document. Concurrent lookups for
// the same token share one request.
func (c *Client) FetchIdentity(ctx context.Context, accessToken string) (string, error) {
	sum := sha256.Sum256([]byte(accessToken))
	v, err, shared := c.identities.Do(hex.EncodeToString(sum[:]), func() (any, error) {
		pref, err := c.For(staticToken(accessToken)).UserPreference(ctx)
		if err != nil {
			return "", err
		}
		return pref.CorrelationID(), nil
	})
	if err != nil {
		return "", autherr.Wrap(autherr.NoUpstreamIdentity, "could not determine the brokerage identity", err)
	}
	if shared {
		logging.Debug("Broker", "Shared identity lookup with a concurrent caller")
	}
	id := v.(string)
	if id == "" {
		return "", autherr.New(autherr.NoUpstreamIdentity, "brokerage returned no correlation id")
	}
	return id, nil
}

func staticToken(tok string) TokenSource {
	bearer := oauth.NewRedactedToken(tok)
	return func(context.Context) (oauth.RedactedToken, error) { return bearer, nil }
}

// getJSON performs an authenticated GET with retries on 429, 5xx and
// transport errors, decoding the body into out.
func (c *Client) getJSON(ctx context.Context, source TokenSource, path string, query url.Values, out any) error {
	token, err := source(ctx)
	if err != nil {
		return autherr.Wrap(autherr.NotAuthenticated, "no brokerage token available", err)
	}
	if token.IsEmpty() {
		return autherr.New(autherr.NotAuthenticated, "no brokerage token available")
	}

	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	target := u.String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 20 * c.retryInterval
	b.Reset()

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token.Value())
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, autherr.Wrap(autherr.APIResponseFailed, "brokerage request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			serr := autherr.Wrap(autherr.APIResponseFailed, "brokerage request failed",
				&StatusError{StatusCode: resp.StatusCode, Path: path})
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return struct{}{}, serr
			}
			return struct{}{}, backoff.Permanent(serr)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, backoff.Permanent(
				autherr.Wrap(autherr.APIResponseFailed, "brokerage returned an unreadable response", err))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)), // #nosec G115 -- includes the initial attempt
		backoff.WithNotify(func(err error, d time.Duration) {
			logging.Debug("Broker", "Retrying %s after %v: %v", path, d, err)
		}),
	)
	if err != nil {
		logging.Warn("Broker", "GET %s failed after %d attempt(s): %v", path, attempt, err)
		return err
	}
	return nil
}

type session struct {
	client *Client
	source TokenSource
}

func (s *session) UserPreference(ctx context.Context) (*UserPreference, error) {
	var pref UserPreference
	if err := s.client.getJSON(ctx, s.source, "user/preference", nil, &pref); err != nil {
		return nil, err
	}
	return &pref, nil
}

func (s *session) Accounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.client.getJSON(ctx, s.source, "accounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *session) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	quotes := map[string]Quote{}
	if err := s.client.getJSON(ctx, s.source, "quotes", q, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (s *session) Orders(ctx context.Context, accountHash string, from, to time.Time) ([]json.RawMessage, error) {
	if accountHash == "" || accountHash == "." || accountHash == ".." || strings.ContainsAny(accountHash, "/?#") {
		return nil, fmt.Errorf("invalid account hash %q", accountHash)
	}
	q := url.Values{}
	if !from.IsZero() {
		q.Set("fromEnteredTime", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("toEnteredTime", to.UTC().Format(time.RFC3339))
	}
	var orders []json.RawMessage
	if err := s.client.getJSON(ctx, s.source, "accounts/"+accountHash+"/orders", q, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}
