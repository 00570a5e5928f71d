package authflow

import (
	"context"
	"errors"
	"html"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokermcp/internal/clients"
	"brokermcp/internal/oauth"
	"brokermcp/internal/signing"
	"brokermcp/internal/testing/mock"
	"brokermcp/internal/tokenstore"
)

const (
	testSecret    = "k8Jq2vN5xR9wT4mZ7pL1sD6fG3hY0cBa"
	testRedirect  = "https://app.example/cb"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type fakeIdentity struct {
	id  string
	err error
}

func (f *fakeIdentity) FetchIdentity(_ context.Context, accessToken string) (string, error) {
	if accessToken == "" {
		return "", errors.New("no token")
	}
	return f.id, f.err
}

type fakeCompleter struct {
	mu   sync.Mutex
	last *Completion
}

func (f *fakeCompleter) CompleteAuthorization(_ context.Context, c Completion) (*CompletionResult, error) {
	f.mu.Lock()
	f.last = &c
	f.mu.Unlock()
	return &CompletionResult{RedirectTo: c.Request.RedirectURI + "?code=downstream&state=" + url.QueryEscape(c.Request.State)}, nil
}

func (f *fakeCompleter) completion() *Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type flowFixture struct {
	brokerage *mock.BrokerageServer
	app       *httptest.Server
	kv        *tokenstore.MemoryKV
	store     *tokenstore.KeyedStore
	pool      *oauth.Pool
	registry  *clients.Registry
	clientID  string
	upstream  *oauth.Client
	identity  *fakeIdentity
	completer *fakeCompleter
	browser   *http.Client
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	f := &flowFixture{
		brokerage: mock.NewBrokerageServer(mock.BrokerageServerConfig{ClientID: "client", ClientSecret: "secret", PKCERequired: true}),
		kv:        tokenstore.NewMemoryKV(),
		identity:  &fakeIdentity{id: "corr-123"},
		completer: &fakeCompleter{},
		browser: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
	t.Cleanup(f.brokerage.Close)
	t.Cleanup(func() { f.kv.Close() })

	var handler http.Handler
	f.app = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(f.app.Close)

	codec, err := signing.NewCodec(testSecret)
	require.NoError(t, err)
	f.upstream, err = oauth.NewClient(oauth.ClientConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      f.brokerage.AuthorizeURL(),
		TokenURL:     f.brokerage.TokenURL(),
		RedirectURL:  f.app.URL + "/callback",
		Scopes:       []string{"readonly"},
		Timeout:      5 * time.Second,
	}, codec)
	require.NoError(t, err)

	f.registry = clients.NewRegistry(f.kv, clients.Options{})
	client, err := f.registry.Register(context.Background(), &clients.RegistrationRequest{
		ClientName:   "Desktop",
		RedirectURIs: []string{testRedirect},
	})
	require.NoError(t, err)
	f.clientID = client.ID

	f.store = tokenstore.NewKeyedStore(f.kv, tokenstore.Options{})
	f.pool = oauth.NewPool(f.store, f.upstream, oauth.ManagerConfig{})
	h, err := NewHandler(Config{
		Upstream:  f.upstream,
		Managers:  f.pool,
		Identity:  f.identity,
		Completer: f.completer,
		Clients:   f.registry,
		Codec:     codec,
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Routes(r)
	handler = r
	return f
}

var hiddenState = regexp.MustCompile(`name="state" value="([^"]+)"`)

func (f *flowFixture) get(t *testing.T, rawURL, cookie string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := f.browser.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *flowFixture) authorizeQuery() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {f.clientID},
		"redirect_uri":          {testRedirect},
		"scope":                 {"readonly trade"},
		"state":                 {"client-nonce"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}
}

func (f *flowFixture) authorizeURL() string {
	return f.app.URL + "/authorize?" + f.authorizeQuery().Encode()
}

// signedCallbackState builds the upstream state a real authorize redirect
// would carry for req.
func (f *flowFixture) signedCallbackState(t *testing.T, req *AuthRequest) string {
	t.Helper()
	inner, err := EncodeRequestState(&RequestState{OAuthReqInfo: req, ClientID: req.ClientID})
	require.NoError(t, err)
	res, err := f.upstream.AuthorizationURL(context.Background(), oauth.AuthorizationParams{State: inner})
	require.NoError(t, err)
	return res.State
}

func (f *flowFixture) validRequest() *AuthRequest {
	return &AuthRequest{
		ResponseType:        "code",
		ClientID:            f.clientID,
		RedirectURI:         testRedirect,
		Scope:               []string{"readonly"},
		State:               "client-nonce",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	}
}

// approve renders the approval page and submits it, returning the upstream
// redirect.
func (f *flowFixture) approve(t *testing.T) *http.Response {
	t.Helper()
	page := f.get(t, f.authorizeURL(), "")
	require.Equal(t, http.StatusOK, page.StatusCode)
	body := readBody(t, page)
	m := hiddenState.FindStringSubmatch(body)
	require.Len(t, m, 2, "approval page carries the encoded state")

	resp, err := f.browser.PostForm(f.app.URL+"/authorize", url.Values{"state": {html.UnescapeString(m[1])}})
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

// followUpstream walks the brokerage authorize redirect and returns the
// callback URL it sends the browser to.
func (f *flowFixture) followUpstream(t *testing.T, authResp *http.Response) string {
	t.Helper()
	require.Equal(t, http.StatusFound, authResp.StatusCode)
	upstream := authResp.Header.Get("Location")
	require.True(t, strings.HasPrefix(upstream, f.brokerage.AuthorizeURL()), upstream)

	resp := f.get(t, upstream, "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	return resp.Header.Get("Location")
}

func TestFlow_ApprovalThenCallback(t *testing.T) {
	f := newFlowFixture(t)

	approved := f.approve(t)
	setCookie := approved.Header.Get("Set-Cookie")
	require.Contains(t, setCookie, "mcp-approved-clients=")

	callback := f.followUpstream(t, approved)
	require.True(t, strings.HasPrefix(callback, f.app.URL+"/callback?"), callback)

	done := f.get(t, callback, "")
	require.Equal(t, http.StatusFound, done.StatusCode)
	assert.Equal(t, "https://app.example/cb?code=downstream&state=client-nonce", done.Header.Get("Location"))

	c := f.completer.completion()
	require.NotNil(t, c)
	assert.Equal(t, "corr-123", c.UserID)
	assert.Equal(t, "corr-123", c.Props.UserID)
	assert.Equal(t, []string{"readonly", "trade"}, c.Scope)
	assert.Equal(t, f.clientID, c.Request.ClientID)
	assert.NotEmpty(t, c.Props.AccessToken)
	assert.NotEmpty(t, c.Props.RefreshToken)
	assert.False(t, c.Props.ExpiresAt.IsZero())

	rec, err := f.store.Bind(tokenstore.Identity{UserID: "corr-123", ClientID: f.clientID}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.Props.AccessToken, rec.AccessToken)
	assert.Equal(t, 2, f.kv.Len(), "client registration plus the migrated token")
}

func TestFlow_ApprovedClientSkipsApprovalPage(t *testing.T) {
	f := newFlowFixture(t)

	approved := f.approve(t)
	cookie, err := http.ParseSetCookie(approved.Header.Get("Set-Cookie"))
	require.NoError(t, err)

	resp := f.get(t, f.authorizeURL(), cookie.Name+"="+cookie.Value)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), f.brokerage.AuthorizeURL()))
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
}

func TestAuthorize_MissingClientID(t *testing.T) {
	f := newFlowFixture(t)
	resp := f.get(t, f.app.URL+"/authorize?response_type=code", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "missing client_id")
}

func TestApproval_Errors(t *testing.T) {
	f := newFlowFixture(t)

	resp, err := f.browser.PostForm(f.app.URL+"/authorize", url.Values{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = f.browser.PostForm(f.app.URL+"/authorize", url.Values{"state": {"%%%"}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallback_Rejections(t *testing.T) {
	f := newFlowFixture(t)

	cases := map[string]string{
		"upstream error": "/callback?error=access_denied&state=x",
		"missing state":  "/callback?code=abc",
		"missing code":   "/callback?state=abc",
		"forged state":   "/callback?code=abc&state=" + url.QueryEscape("00.e30="),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			resp := f.get(t, f.app.URL+path, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, f.brokerage.TokenRequests())
}

func TestCallback_IncompleteRequestState(t *testing.T) {
	f := newFlowFixture(t)
	state := f.signedCallbackState(t, &AuthRequest{ClientID: f.clientID, Scope: []string{"readonly"}})

	resp := f.get(t, f.app.URL+"/callback?code=abc&state="+url.QueryEscape(state), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "redirect URI")
	assert.Equal(t, 0, f.brokerage.TokenRequests())
}

func TestCallback_NoUpstreamIdentity(t *testing.T) {
	f := newFlowFixture(t)
	f.identity.err = errors.New("preference lookup failed")

	callback := f.followUpstream(t, f.approve(t))
	resp := f.get(t, callback, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "brokerage identity")
	assert.Nil(t, f.completer.completion())
	assert.Equal(t, 1, f.kv.Len(), "placeholder token discarded, only the client remains")
	assert.Equal(t, 0, f.pool.Len())
}

func TestCallback_ExchangeFailure(t *testing.T) {
	f := newFlowFixture(t)
	f.brokerage.SetErrors(mock.BrokerageErrors{InvalidGrant: true})

	callback := f.followUpstream(t, f.approve(t))
	resp := f.get(t, callback, "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "token exchange failed")
	assert.Nil(t, f.completer.completion())
	assert.Equal(t, 0, f.pool.Len())
}

func TestCallback_FailedExchangesDoNotAccumulateManagers(t *testing.T) {
	f := newFlowFixture(t)
	state := url.QueryEscape(f.signedCallbackState(t, f.validRequest()))

	for range 25 {
		resp := f.get(t, f.app.URL+"/callback?code=bogus&state="+state, "")
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
	assert.Equal(t, 0, f.pool.Len())
}

func TestAuthorize_RejectsUnregisteredRedirectForApprovedClient(t *testing.T) {
	f := newFlowFixture(t)
	approved := f.approve(t)
	cookie, err := http.ParseSetCookie(approved.Header.Get("Set-Cookie"))
	require.NoError(t, err)

	q := f.authorizeQuery()
	q.Set("redirect_uri", "https://evil.example/steal")
	resp := f.get(t, f.app.URL+"/authorize?"+q.Encode(), cookie.Name+"="+cookie.Value)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	assert.Contains(t, readBody(t, resp), "not registered")
}

func TestAuthorize_RequestValidation(t *testing.T) {
	f := newFlowFixture(t)

	tests := []struct {
		name   string
		mutate func(url.Values)
		want   string
	}{
		{"unknown client", func(q url.Values) { q.Set("client_id", "never-registered") }, "unknown client_id"},
		{"foreign redirect", func(q url.Values) { q.Set("redirect_uri", "https://app.example/other") }, "not registered"},
		{"missing challenge", func(q url.Values) { q.Del("code_challenge"); q.Del("code_challenge_method") }, "code_challenge is required"},
		{"plain challenge", func(q url.Values) { q.Set("code_challenge_method", "plain") }, "must be S256"},
		{"implicit flow", func(q url.Values) { q.Set("response_type", "token") }, "response_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := f.authorizeQuery()
			tt.mutate(q)
			resp := f.get(t, f.app.URL+"/authorize?"+q.Encode(), "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, readBody(t, resp), tt.want)
		})
	}
}

func TestAuthorize_OmittedRedirectUsesRegistered(t *testing.T) {
	f := newFlowFixture(t)
	q := f.authorizeQuery()
	q.Del("redirect_uri")

	resp := f.get(t, f.app.URL+"/authorize?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := hiddenState.FindStringSubmatch(readBody(t, resp))
	require.Len(t, m, 2)
	rs, err := DecodeRequestState(html.UnescapeString(m[1]))
	require.NoError(t, err)
	assert.Equal(t, testRedirect, rs.OAuthReqInfo.RedirectURI)
}

func TestApproval_RejectsForgedRedirectBeforeRecording(t *testing.T) {
	f := newFlowFixture(t)
	req := f.validRequest()
	req.RedirectURI = "https://evil.example/steal"
	encoded, err := EncodeRequestState(&RequestState{OAuthReqInfo: req, ClientID: req.ClientID})
	require.NoError(t, err)

	resp, err := f.browser.PostForm(f.app.URL+"/authorize", url.Values{"state": {encoded}})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
	assert.Empty(t, resp.Header.Get("Location"))
}

func TestApproval_RejectsMismatchedClientIDs(t *testing.T) {
	f := newFlowFixture(t)
	encoded, err := EncodeRequestState(&RequestState{OAuthReqInfo: f.validRequest(), ClientID: "someone-else"})
	require.NoError(t, err)

	resp, err := f.browser.PostForm(f.app.URL+"/authorize", url.Values{"state": {encoded}})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Set-Cookie"))
}

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}
