package mock

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

// BrokerageServerConfig configures the mock brokerage.
type BrokerageServerConfig struct {
	// ClientID is the expected OAuth client ID. Empty accepts any.
	ClientID string
	// ClientSecret is the expected client secret. Empty accepts any.
	ClientSecret string

	// TokenLifetime is how long access tokens remain valid (default 30m).
	TokenLifetime time.Duration

	// PKCERequired rejects authorization requests without a challenge.
	PKCERequired bool

	// KeepRefreshToken makes refresh responses omit a new refresh token,
	// like servers that do not rotate them.
	KeepRefreshToken bool

	// CorrelationID is returned by the user preference endpoint.
	CorrelationID string

	// Clock drives token expiry. Defaults to RealClock.
	Clock Clock
}

// BrokerageErrors simulates failures.
type BrokerageErrors struct {
	// TokenEndpointError makes /oauth/token fail with server_error.
	TokenEndpointError string
	// InvalidGrant rejects every token request with invalid_grant.
	InvalidGrant bool
	// APIStatus makes every API call fail with this status when non-zero.
	APIStatus int
	// APIFailures limits APIStatus to the next n calls when non-zero.
	APIFailures int
	// TokenDelay delays every token endpoint response.
	TokenDelay time.Duration
}

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

type authCodeEntry struct {
	ClientID        string
	RedirectURI     string
	Scope           string
	CodeChallenge   string
	ChallengeMethod string
}

type issuedToken struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
}

// BrokerageServer is an httptest server playing both the brokerage
// authorization server and its REST API.
//
//	/oauth/authorize        auto-approving authorization endpoint
//	/oauth/token            authorization_code and refresh_token grants
//	/v1/user/preference     identity lookup
//	/v1/accounts            account list
//	/v1/quotes              quotes for ?symbols=
//	/v1/accounts/{id}/orders orders of an account
type BrokerageServer struct {
	config BrokerageServerConfig
	server *httptest.Server

	mu              sync.Mutex
	clock           Clock
	authCodes       map[string]*authCodeEntry
	issuedTokens    map[string]*issuedToken
	errors          BrokerageErrors
	tokenRequests   int
	refreshRequests int
	apiRequests     int
}

// NewBrokerageServer starts the mock server. Call Close when done.
func NewBrokerageServer(config BrokerageServerConfig) *BrokerageServer {
	if config.TokenLifetime == 0 {
		config.TokenLifetime = 30 * time.Minute
	}
	if config.CorrelationID == "" {
		config.CorrelationID = "corr-" + generateOpaqueToken()[:12]
	}
	clock := config.Clock
	if clock == nil {
		clock = RealClock{}
	}

	s := &BrokerageServer{
		config:       config,
		clock:        clock,
		authCodes:    make(map[string]*authCodeEntry),
		issuedTokens: make(map[string]*issuedToken),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/v1/user/preference", s.requireToken(s.handleUserPreference))
	mux.HandleFunc("/v1/accounts", s.requireToken(s.handleAccounts))
	mux.HandleFunc("/v1/accounts/", s.requireToken(s.handleOrders))
	mux.HandleFunc("/v1/quotes", s.requireToken(s.handleQuotes))
	s.server = httptest.NewServer(mux)
	return s
}

// Close shuts the server down.
func (s *BrokerageServer) Close() {
	s.server.Close()
}

// URL returns the base URL.
func (s *BrokerageServer) URL() string { return s.server.URL }

// AuthorizeURL returns the authorization endpoint.
func (s *BrokerageServer) AuthorizeURL() string { return s.server.URL + "/oauth/authorize" }

// TokenURL returns the token endpoint.
func (s *BrokerageServer) TokenURL() string { return s.server.URL + "/oauth/token" }

// APIURL returns the REST API base URL.
func (s *BrokerageServer) APIURL() string { return s.server.URL + "/v1" }

// CorrelationID returns the identity the server reports.
func (s *BrokerageServer) CorrelationID() string { return s.config.CorrelationID }

// Client returns an HTTP client for the server.
func (s *BrokerageServer) Client() *http.Client { return s.server.Client() }

// SetErrors replaces the simulated failures.
func (s *BrokerageServer) SetErrors(e BrokerageErrors) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = e
}

// TokenRequests returns the number of token endpoint calls.
func (s *BrokerageServer) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// RefreshRequests returns the number of refresh_token grants received.
func (s *BrokerageServer) RefreshRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshRequests
}

// APIRequests returns the number of API calls received.
func (s *BrokerageServer) APIRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiRequests
}

// IssueToken registers a token pair directly, bypassing the OAuth flow.
func (s *BrokerageServer) IssueToken(scope string) *TokenResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(scope, "")
}

// RevokeAll invalidates every issued token, including refresh tokens.
func (s *BrokerageServer) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuedTokens = make(map[string]*issuedToken)
}

func (s *BrokerageServer) issueLocked(scope, keepRefresh string) *TokenResponse {
	access := generateOpaqueToken()
	refresh := keepRefresh
	if refresh == "" {
		refresh = generateOpaqueToken()
	}
	s.issuedTokens[access] = &issuedToken{
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        scope,
		ExpiresAt:    s.clock.Now().Add(s.config.TokenLifetime),
	}
	return &TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.TokenLifetime.Seconds()),
		Scope:        scope,
	}
}

func (s *BrokerageServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported_response_type", http.StatusBadRequest)
		return
	}
	clientID := q.Get("client_id")
	if s.config.ClientID != "" && clientID != s.config.ClientID {
		http.Error(w, "invalid_client", http.StatusBadRequest)
		return
	}
	challenge := q.Get("code_challenge")
	if s.config.PKCERequired && challenge == "" {
		http.Error(w, "PKCE required: code_challenge missing", http.StatusBadRequest)
		return
	}

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := generateOpaqueToken()
	s.mu.Lock()
	s.authCodes[code] = &authCodeEntry{
		ClientID:        clientID,
		RedirectURI:     q.Get("redirect_uri"),
		Scope:           q.Get("scope"),
		CodeChallenge:   challenge,
		ChallengeMethod: q.Get("code_challenge_method"),
	}
	s.mu.Unlock()

	rq := redirect.Query()
	rq.Set("code", code)
	if state := q.Get("state"); state != "" {
		rq.Set("state", state)
	}
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (s *BrokerageServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.tokenRequests++
	sim := s.errors
	s.mu.Unlock()

	if sim.TokenDelay > 0 {
		select {
		case <-time.After(sim.TokenDelay):
		case <-r.Context().Done():
			return
		}
	}
	if sim.TokenEndpointError != "" {
		tokenError(w, http.StatusInternalServerError, "server_error", sim.TokenEndpointError)
		return
	}
	if sim.InvalidGrant {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "grant rejected")
		return
	}
	if !s.clientAuthenticated(r) {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch grant := r.FormValue("grant_type"); grant {
	case "authorization_code":
		s.handleAuthCodeExchange(w, r)
	case "refresh_token":
		s.handleRefreshToken(w, r)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("grant_type %s not supported", grant))
	}
}

func (s *BrokerageServer) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id, secret = r.FormValue("client_id"), r.FormValue("client_secret")
	}
	if s.config.ClientID != "" && id != s.config.ClientID {
		return false
	}
	if s.config.ClientSecret != "" && secret != s.config.ClientSecret {
		return false
	}
	return true
}

func (s *BrokerageServer) handleAuthCodeExchange(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")

	s.mu.Lock()
	entry, ok := s.authCodes[code]
	delete(s.authCodes, code)
	s.mu.Unlock()

	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "authorization code not found or expired")
		return
	}
	if entry.CodeChallenge != "" {
		verifier := r.FormValue("code_verifier")
		if verifier == "" || !verifyPKCE(entry.CodeChallenge, entry.ChallengeMethod, verifier) {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "code_verifier verification failed")
			return
		}
	}
	if ru := r.FormValue("redirect_uri"); ru != "" && ru != entry.RedirectURI {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	s.mu.Lock()
	resp := s.issueLocked(entry.Scope, "")
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *BrokerageServer) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	refresh := r.FormValue("refresh_token")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshRequests++

	var original *issuedToken
	for _, tok := range s.issuedTokens {
		if tok.RefreshToken == refresh {
			original = tok
			break
		}
	}
	if original == nil {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token not found")
		return
	}
	delete(s.issuedTokens, original.AccessToken)

	keep := ""
	if s.config.KeepRefreshToken {
		keep = original.RefreshToken
	}
	resp := s.issueLocked(original.Scope, keep)
	if s.config.KeepRefreshToken {
		resp.RefreshToken = ""
	}
	writeJSON(w, http.StatusOK, resp)
}

// requireToken rejects API calls without a live bearer token.
func (s *BrokerageServer) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.apiRequests++
		sim := s.errors
		if sim.APIStatus != 0 && sim.APIFailures > 0 {
			s.errors.APIFailures--
			if s.errors.APIFailures == 0 {
				s.errors.APIStatus = 0
			}
		}
		token := ExtractBearerToken(r.Header.Get("Authorization"))
		tok, ok := s.issuedTokens[token]
		live := ok && s.clock.Now().Before(tok.ExpiresAt)
		s.mu.Unlock()

		if sim.APIStatus != 0 {
			writeJSON(w, sim.APIStatus, map[string]string{"message": "simulated failure"})
			return
		}
		if !live {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid or expired token"})
			return
		}
		next(w, r)
	}
}

func (s *BrokerageServer) handleUserPreference(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"streamerInfo": []map[string]string{
			{"correlationId": s.config.CorrelationID},
		},
	})
}

func (s *BrokerageServer) handleAccounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]any{
		{"accountNumber": "12345678", "hashValue": "HASH-A", "type": "MARGIN"},
		{"accountNumber": "87654321", "hashValue": "HASH-B", "type": "CASH"},
	})
}

func (s *BrokerageServer) handleQuotes(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, sym := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		out[sym] = map[string]any{"symbol": sym, "lastPrice": 100.5, "bidPrice": 100.4, "askPrice": 100.6}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *BrokerageServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	// /v1/accounts/{hash}/orders
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/"), "/")
	if len(parts) != 2 || parts[1] != "orders" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{
		{"orderId": 1, "accountHash": parts[0], "status": "FILLED", "symbol": "AAPL", "quantity": 10},
	})
}

// ExtractBearerToken returns the token of a "Bearer <token>" header value.
func ExtractBearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(hash[:]) == challenge
	case "plain", "":
		return verifier == challenge
	default:
		return false
	}
}

func tokenError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// generateOpaqueToken generates a random opaque token.
func generateOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
