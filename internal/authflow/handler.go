package authflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"brokermcp/internal/approval"
	"brokermcp/internal/autherr"
	"brokermcp/internal/clients"
	"brokermcp/internal/oauth"
	"brokermcp/internal/signing"
	"brokermcp/internal/tokenstore"
	"brokermcp/pkg/logging"
)

// placeholderPrefix marks the identity a flow runs under until the upstream
// identity is known.
const placeholderPrefix = "pending-"

// IdentityFetcher resolves the upstream identity of an access token.
type IdentityFetcher interface {
	FetchIdentity(ctx context.Context, accessToken string) (string, error)
}

// Props is what the completion hook receives about the upstream grant.
type Props struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
}

// Completion describes an authorization that is ready to be handed back to
// the downstream client.
type Completion struct {
	Request AuthRequest
	UserID  string
	Scope   []string
	Props   Props
}

// CompletionResult tells the callback where to send the browser.
type CompletionResult struct {
	RedirectTo string
}

// ClientRegistry resolves registered downstream clients.
type ClientRegistry interface {
	Lookup(ctx context.Context, clientID string) (*clients.Client, error)
}

// Completer finishes the downstream half of the flow.
type Completer interface {
	CompleteAuthorization(ctx context.Context, c Completion) (*CompletionResult, error)
}

// Config holds the collaborators of a Handler.
type Config struct {
	// Upstream builds authorization URLs and unwraps returned state. It
	// should be the bare client; persistence happens through Managers.
	Upstream oauth.UpstreamClient

	Managers  oauth.Managers
	Identity  IdentityFetcher
	Completer Completer
	Clients   ClientRegistry

	// Codec signs the approval cookie.
	Codec *signing.Codec

	Approval   approval.Options
	ServerName string
}

// Handler serves the authorize and callback endpoints.
type Handler struct {
	upstream   oauth.UpstreamClient
	managers   oauth.Managers
	identity   IdentityFetcher
	completer  Completer
	clients    ClientRegistry
	gate       *approval.Gate[*RequestState]
	serverName string
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Upstream == nil:
		return nil, autherr.New(autherr.ConfigurationMissing, "upstream OAuth client is required")
	case cfg.Managers == nil:
		return nil, autherr.New(autherr.ConfigurationMissing, "token managers are required")
	case cfg.Identity == nil:
		return nil, autherr.New(autherr.ConfigurationMissing, "identity fetcher is required")
	case cfg.Completer == nil:
		return nil, autherr.New(autherr.ConfigurationMissing, "completion hook is required")
	case cfg.Clients == nil:
		return nil, autherr.New(autherr.ConfigurationMissing, "client registry is required")
	case cfg.Codec == nil:
		return nil, autherr.New(autherr.ConfigurationMissing, "signing codec is required")
	}
	return &Handler{
		upstream:   cfg.Upstream,
		managers:   cfg.Managers,
		identity:   cfg.Identity,
		completer:  cfg.Completer,
		clients:    cfg.Clients,
		gate:       approval.NewGate(cfg.Codec, decodeForApproval, cfg.Approval),
		serverName: cfg.ServerName,
	}, nil
}

// Routes registers the flow endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/authorize", h.HandleAuthorize)
	r.Post("/authorize", h.HandleApproval)
	r.Get("/callback", h.HandleCallback)
}

// HandleAuthorize starts a flow. Clients the user approved before go
// straight to the brokerage; others see the approval page first.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &AuthRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               strings.Fields(q.Get("scope")),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	client, redirectURI, err := h.checkRequest(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	req.RedirectURI = redirectURI

	encoded, err := EncodeRequestState(&RequestState{OAuthReqInfo: req, ClientID: req.ClientID})
	if err != nil {
		h.fail(w, err)
		return
	}

	if h.gate.IsApproved(r.Header.Get("Cookie"), req.ClientID) {
		logging.Debug("AuthFlow", "Client %s already approved, redirecting upstream", req.ClientID)
		h.redirectUpstream(w, r, encoded, "")
		return
	}

	approval.RenderPage(w, approval.Page{
		ServerName:   h.serverName,
		ClientName:   client.Name,
		ClientID:     req.ClientID,
		RedirectURI:  req.RedirectURI,
		Scopes:       req.Scope,
		Action:       r.URL.Path,
		EncodedState: encoded,
	})
}

// HandleApproval records the user's consent and continues upstream.
func (h *Handler) HandleApproval(w http.ResponseWriter, r *http.Request) {
	// A readable state is checked against the registry before the gate
	// records anything; unreadable ones are rejected by the gate itself.
	if r.Method == http.MethodPost {
		if rs, err := DecodeRequestState(r.PostFormValue("state")); err == nil {
			if err := h.checkApprovalState(r.Context(), rs); err != nil {
				h.fail(w, err)
				return
			}
		}
	}

	res, err := h.gate.RecordApproval(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.redirectUpstream(w, r, res.EncodedState, res.SetCookie)
}

// checkRequest validates an authorization request against the client
// registry and returns the client with the redirect URI to use.
func (h *Handler) checkRequest(ctx context.Context, req *AuthRequest) (*clients.Client, string, error) {
	if req.ClientID == "" {
		return nil, "", autherr.New(autherr.MissingClientID, "missing client_id")
	}
	client, err := h.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		return nil, "", err
	}
	redirectURI, err := client.ResolveRedirectURI(req.RedirectURI)
	if err != nil {
		return nil, "", err
	}
	if req.ResponseType != "code" {
		return nil, "", autherr.New(autherr.InvalidRequest, "response_type must be code")
	}
	if req.CodeChallenge != "" || client.Public() {
		if req.CodeChallenge == "" {
			return nil, "", autherr.New(autherr.InvalidRequest, "code_challenge is required")
		}
		if req.CodeChallengeMethod != clients.CodeChallengeMethodS256 {
			return nil, "", autherr.New(autherr.InvalidRequest, "code_challenge_method must be S256")
		}
	}
	return client, redirectURI, nil
}

// checkApprovalState validates a submitted approval form. The redirect URI
// must already be resolved because the state is replayed unchanged.
func (h *Handler) checkApprovalState(ctx context.Context, rs *RequestState) error {
	req := rs.OAuthReqInfo
	switch {
	case req == nil:
		return autherr.New(autherr.InvalidState, "approval state carries no authorization request")
	case rs.ClientID != "" && rs.ClientID != req.ClientID:
		return autherr.New(autherr.InvalidState, "approval state names two clients")
	case req.RedirectURI == "":
		return autherr.New(autherr.InvalidState, "approval state carries no redirect URI")
	}
	_, _, err := h.checkRequest(ctx, req)
	return err
}

func (h *Handler) redirectUpstream(w http.ResponseWriter, r *http.Request, encodedState, setCookie string) {
	res, err := h.upstream.AuthorizationURL(r.Context(), oauth.AuthorizationParams{State: encodedState})
	if err != nil {
		h.fail(w, fmt.Errorf("failed to build authorization URL: %w", err))
		return
	}
	if setCookie != "" {
		w.Header().Add("Set-Cookie", setCookie)
	}
	http.Redirect(w, r, res.AuthURL, http.StatusFound)
}

// HandleCallback completes a flow returning from the brokerage.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	if code := q.Get("error"); code != "" {
		logging.Warn("AuthFlow", "Authorization server returned error %q", code)
		h.fail(w, autherr.New(autherr.InvalidGrant, "authorization was not granted: "+code))
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if state == "" {
		h.fail(w, autherr.New(autherr.MissingState, "missing state parameter"))
		return
	}
	if code == "" {
		h.fail(w, autherr.New(autherr.InvalidGrant, "missing authorization code"))
		return
	}

	req, err := h.requestFromState(state)
	if err != nil {
		h.fail(w, err)
		return
	}

	if _, _, err := h.checkRequest(ctx, req); err != nil {
		h.fail(w, err)
		return
	}

	placeholder := tokenstore.Identity{UserID: placeholderPrefix + uuid.NewString(), ClientID: req.ClientID}
	manager := h.managers.Manager(placeholder)
	migrated := false
	defer func() {
		if !migrated {
			h.managers.Discard(placeholder)
		}
	}()

	// The untouched state goes to the exchange: it carries the PKCE verifier.
	rec, err := manager.Exchange(ctx, code, state)
	if err != nil {
		h.fail(w, err)
		return
	}

	userID, err := h.identity.FetchIdentity(ctx, rec.AccessToken)
	if err != nil || userID == "" {
		if lerr := manager.Logout(ctx); lerr != nil {
			logging.Warn("AuthFlow", "Failed to discard token of %s: %v", placeholder, lerr)
		}
		h.fail(w, autherr.Wrap(autherr.NoUpstreamIdentity, "could not determine the brokerage identity", err))
		return
	}

	resolved := tokenstore.Identity{UserID: userID, ClientID: req.ClientID}
	if err := h.managers.Migrate(ctx, placeholder, resolved); err != nil {
		if lerr := manager.Logout(ctx); lerr != nil {
			logging.Warn("AuthFlow", "Failed to discard token of %s: %v", placeholder, lerr)
		}
		h.fail(w, fmt.Errorf("failed to store token for %s: %w", resolved, err))
		return
	}
	migrated = true

	result, err := h.completer.CompleteAuthorization(ctx, Completion{
		Request: *req,
		UserID:  userID,
		Scope:   req.Scope,
		Props: Props{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			ExpiresAt:    rec.ExpiresAt,
			UserID:       userID,
		},
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	logging.Audit(logging.AuditEvent{Action: "authorization_complete", Outcome: "success", UserID: userID, ClientID: req.ClientID})
	http.Redirect(w, r, result.RedirectTo, http.StatusFound)
}

// requestFromState recovers the original request from the callback state.
func (h *Handler) requestFromState(state string) (*AuthRequest, error) {
	inner, err := oauth.UnwrapState(h.upstream, state)
	if err != nil {
		return nil, autherr.Wrap(autherr.InvalidState, "invalid state parameter", err)
	}
	rs, err := DecodeRequestState(inner)
	if err != nil {
		return nil, autherr.Wrap(autherr.InvalidState, "invalid state parameter", err)
	}

	req := rs.OAuthReqInfo
	switch {
	case req == nil:
		return nil, autherr.New(autherr.InvalidState, "state carries no authorization request")
	case req.ClientID == "":
		return nil, autherr.New(autherr.MissingClientID, "state carries no client id")
	case req.RedirectURI == "":
		return nil, autherr.New(autherr.InvalidState, "state carries no redirect URI")
	case len(req.Scope) == 0:
		return nil, autherr.New(autherr.InvalidState, "state carries no scope")
	}
	return req, nil
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := autherr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		logging.Error("AuthFlow", err, "Authorization flow failed (%s)", autherr.KindOf(err))
	} else {
		logging.Warn("AuthFlow", "Authorization request rejected (%s): %v", autherr.KindOf(err), err)
	}
	renderError(w, status, autherr.MessageOf(err))
}
