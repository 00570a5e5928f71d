// Package approval remembers which OAuth clients the resource owner has
// approved, using a signed cookie instead of a server-side session table.
package approval

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"brokermcp/internal/autherr"
	"brokermcp/internal/signing"
	"brokermcp/pkg/logging"
)

// CookieName is the name of the approved-clients cookie.
const CookieName = "mcp-approved-clients"

// DefaultMaxAge is how long an approval is remembered.
const DefaultMaxAge = 365 * 24 * time.Hour

// StateDecoder decodes the encoded request state carried by the approval
// form and reports the client it belongs to.
type StateDecoder[S any] func(encoded string) (state S, clientID string, err error)

// Options configures the approval cookie.
type Options struct {
	// SameSite is http.SameSiteLaxMode unless set.
	SameSite http.SameSite

	// Insecure drops the Secure attribute. Only for plain-HTTP local
	// development.
	Insecure bool

	MaxAge time.Duration
}

// Gate checks and records client approvals. S is the decoded request state
// handed back to the caller after an approval is recorded.
type Gate[S any] struct {
	codec  *signing.Codec
	decode StateDecoder[S]
	opts   Options
}

// NewGate creates a gate signing cookies with codec.
func NewGate[S any](codec *signing.Codec, decode StateDecoder[S], opts Options) *Gate[S] {
	if opts.SameSite == 0 || opts.SameSite == http.SameSiteDefaultMode {
		opts.SameSite = http.SameSiteLaxMode
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Gate[S]{codec: codec, decode: decode, opts: opts}
}

// Result is a recorded approval.
type Result[S any] struct {
	// State is the decoded request state from the approval form.
	State S

	// EncodedState is the form value State was decoded from.
	EncodedState string

	ClientID string

	// SetCookie is the value for the response's Set-Cookie header.
	SetCookie string
}

// IsApproved reports whether cookieHeader (the raw Cookie request header)
// carries a valid approval for clientID. Missing, malformed and forged
// cookies all mean "not approved".
func (g *Gate[S]) IsApproved(cookieHeader, clientID string) bool {
	if clientID == "" {
		return false
	}
	return slices.Contains(g.approvedClients(cookieHeader), clientID)
}

// approvedClients returns the verified client list, or nil.
func (g *Gate[S]) approvedClients(cookieHeader string) []string {
	if cookieHeader == "" {
		return nil
	}
	value := cookieValue(cookieHeader)
	if value == "" {
		return nil
	}

	var clients []string
	if err := g.codec.Verify(value, &clients); err != nil {
		logging.Debug("Approval", "Ignoring approval cookie: %v", classify(err))
		return nil
	}
	return clients
}

// RecordApproval processes the approval form POST. It adds the client of
// the submitted state to the approved list and returns the new cookie.
func (g *Gate[S]) RecordApproval(r *http.Request) (*Result[S], error) {
	if r.Method != http.MethodPost {
		return nil, autherr.New(autherr.MethodNotAllowed, "approval must be submitted with POST")
	}
	if err := r.ParseForm(); err != nil {
		return nil, autherr.Wrap(autherr.InvalidState, "could not read approval form", err)
	}

	encoded := r.PostForm.Get("state")
	if encoded == "" {
		return nil, autherr.New(autherr.MissingState, "missing state in approval form")
	}
	state, clientID, err := g.decode(encoded)
	if err != nil {
		return nil, autherr.Wrap(autherr.InvalidState, "invalid state in approval form", err)
	}
	if clientID == "" {
		return nil, autherr.New(autherr.MissingClientID, "approval state carries no client id")
	}

	clients := append(g.approvedClients(r.Header.Get("Cookie")), clientID)
	setCookie, err := g.cookieFor(dedupe(clients))
	if err != nil {
		return nil, err
	}

	logging.Audit(logging.AuditEvent{Action: "client_approved", Outcome: "success", ClientID: clientID})
	return &Result[S]{State: state, EncodedState: encoded, ClientID: clientID, SetCookie: setCookie}, nil
}

func (g *Gate[S]) cookieFor(clients []string) (string, error) {
	value, err := g.codec.Sign(clients)
	if err != nil {
		return "", fmt.Errorf("failed to sign approval cookie: %w", err)
	}
	c := &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(g.opts.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   !g.opts.Insecure,
		SameSite: g.opts.SameSite,
	}
	return c.String(), nil
}

// cookieValue extracts the approval cookie from a raw Cookie header,
// skipping unrelated malformed cookies.
func cookieValue(header string) string {
	r := http.Request{Header: http.Header{"Cookie": {header}}}
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// dedupe keeps the first occurrence of every client id.
func dedupe(clients []string) []string {
	seen := make(map[string]struct{}, len(clients))
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// classify maps codec errors onto the cookie error kinds for logging.
func classify(err error) autherr.Kind {
	switch {
	case errors.Is(err, signing.ErrInvalidFormat):
		return autherr.InvalidCookieFormat
	case errors.Is(err, signing.ErrSignatureFailed):
		return autherr.CookieSignatureFailed
	default:
		return autherr.CookieDecode
	}
}
