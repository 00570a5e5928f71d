// Package clients keeps the downstream OAuth clients that may use the
// authorization flow. Clients register themselves through RFC 7591 dynamic
// client registration and are stored on the same KV backend as tokens.
//
// Every registered client is public: it has no secret and must prove
// possession of its authorization code with S256 PKCE.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"brokermcp/internal/autherr"
	"brokermcp/internal/tokenstore"
	"brokermcp/pkg/logging"
)

const (
	// MaxRedirectURICount bounds the redirect URIs of one client.
	MaxRedirectURICount = 10

	// MaxClientNameLength bounds client_name.
	MaxClientNameLength = 256

	// AuthMethodNone is the only token endpoint auth method offered.
	AuthMethodNone = "none"

	// CodeChallengeMethodS256 is the only PKCE method accepted.
	CodeChallengeMethodS256 = "S256"

	keyPrefix = "client:"
)

var (
	allowedGrantTypes    = []string{"authorization_code"}
	allowedResponseTypes = []string{"code"}
)

// Client is a registered downstream client.
type Client struct {
	ID                      string    `json:"client_id"`
	Name                    string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	CreatedAt               time.Time `json:"created_at"`
}

// Public reports whether the client authenticates without a secret.
func (c *Client) Public() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

// RegistrationRequest is the RFC 7591 registration body.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// Options configures a Registry.
type Options struct {
	// TTL expires registrations. Zero keeps them until deleted.
	TTL time.Duration
	Now func() time.Time
}

// Registry stores clients on a KV backend.
type Registry struct {
	kv   tokenstore.KV
	opts Options
}

// NewRegistry creates a Registry.
func NewRegistry(kv tokenstore.KV, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{kv: kv, opts: opts}
}

func clientKey(id string) string { return keyPrefix + id }

// IsClientKey reports whether a KV key holds a client registration.
func IsClientKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix)
}

// Register validates req and stores a new client.
func (r *Registry) Register(ctx context.Context, req *RegistrationRequest) (*Client, error) {
	c, err := validate(req)
	if err != nil {
		return nil, err
	}
	c.ID = uuid.NewString()
	c.CreatedAt = r.opts.Now().UTC()

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode client: %w", err)
	}
	if err := r.kv.Set(ctx, clientKey(c.ID), data, r.opts.TTL); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	logging.Audit(logging.AuditEvent{Action: "client_registered", Outcome: "success", ClientID: c.ID, Details: c.Name})
	return c, nil
}

// Lookup returns the client registered under id.
func (r *Registry) Lookup(ctx context.Context, id string) (*Client, error) {
	if id == "" {
		return nil, autherr.New(autherr.MissingClientID, "missing client_id")
	}
	data, err := r.kv.Get(ctx, clientKey(id))
	if err != nil {
		if errors.Is(err, tokenstore.ErrNotFound) {
			return nil, autherr.New(autherr.UnknownClient, "unknown client_id")
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	var c Client
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode client: %w", err)
	}
	return &c, nil
}

// Delete removes a registration.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.kv.Delete(ctx, clientKey(id)); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

func validate(req *RegistrationRequest) (*Client, error) {
	switch {
	case len(req.RedirectURIs) == 0:
		return nil, autherr.New(autherr.InvalidRedirectURI, "redirect_uris is required")
	case len(req.RedirectURIs) > MaxRedirectURICount:
		return nil, autherr.New(autherr.InvalidRedirectURI, fmt.Sprintf("too many redirect_uris (maximum %d)", MaxRedirectURICount))
	case len(req.ClientName) > MaxClientNameLength:
		return nil, autherr.New(autherr.InvalidClientMetadata, fmt.Sprintf("client_name too long (maximum %d characters)", MaxClientNameLength))
	}
	for _, uri := range req.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	method := req.TokenEndpointAuthMethod
	if method == "" {
		method = AuthMethodNone
	}
	if method != AuthMethodNone {
		return nil, autherr.New(autherr.InvalidClientMetadata, "token_endpoint_auth_method must be 'none'")
	}

	grantTypes, err := restrict(req.GrantTypes, allowedGrantTypes, "grant_type")
	if err != nil {
		return nil, err
	}
	responseTypes, err := restrict(req.ResponseTypes, allowedResponseTypes, "response_type")
	if err != nil {
		return nil, err
	}

	return &Client{
		Name:                    req.ClientName,
		RedirectURIs:            slices.Clone(req.RedirectURIs),
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: method,
	}, nil
}

// restrict defaults values to allowed and rejects anything outside it.
func restrict(values, allowed []string, field string) ([]string, error) {
	if len(values) == 0 {
		return slices.Clone(allowed), nil
	}
	for _, v := range values {
		if !slices.Contains(allowed, v) {
			return nil, autherr.New(autherr.InvalidClientMetadata, "unsupported "+field+": "+v)
		}
	}
	return slices.Clone(values), nil
}
