package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokermcp/internal/signing"
	"brokermcp/internal/testing/mock"
)

const testSigningSecret = "k8Jq2vN5xR9wT4mZ7pL1sD6fG3hY0cBa"

func newTestClient(t *testing.T, srv *mock.BrokerageServer) *Client {
	t.Helper()
	codec, err := signing.NewCodec(testSigningSecret)
	require.NoError(t, err)

	c, err := NewClient(ClientConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      srv.AuthorizeURL(),
		TokenURL:     srv.TokenURL(),
		RedirectURL:  "http://localhost/callback",
		Scopes:       []string{"readonly"},
		Timeout:      5 * time.Second,
	}, codec)
	require.NoError(t, err)
	return c
}

// authorize follows the authorization URL and returns the callback query.
func authorize(t *testing.T, authURL string) url.Values {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc.Query()
}

func TestClient_AuthorizationCodeFlow(t *testing.T) {
	srv := mock.NewBrokerageServer(mock.BrokerageServerConfig{ClientID: "client", ClientSecret: "secret", PKCERequired: true})
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	res, err := c.AuthorizationURL(ctx, AuthorizationParams{State: "inner-state"})
	require.NoError(t, err)

	u, err := url.Parse(res.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.NotEmpty(t, u.Query().Get("code_challenge"))
	assert.Equal(t, res.State, u.Query().Get("state"))
	assert.NotContains(t, res.AuthURL, "inner-state", "inner state only travels inside the signed wrapper")

	callback := authorize(t, res.AuthURL)
	returned := callback.Get("state")
	assert.Equal(t, res.State, returned)

	inner, err := c.UnwrapState(returned)
	require.NoError(t, err)
	assert.Equal(t, "inner-state", inner)

	before := time.Now()
	rec, err := c.ExchangeCode(ctx, callback.Get("code"), returned)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.AccessToken)
	assert.NotEmpty(t, rec.RefreshToken)
	assert.Equal(t, "Bearer", rec.TokenType)
	assert.Equal(t, "readonly", rec.Scope)
	assert.WithinDuration(t, before.Add(30*time.Minute), rec.ExpiresAt, 5*time.Second, "expiry is absolute")
}

func TestClient_ExchangeRejectsTamperedState(t *testing.T) {
	srv := mock.NewBrokerageServer(mock.BrokerageServerConfig{})
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.AuthorizationURL(context.Background(), AuthorizationParams{State: "s"})
	require.NoError(t, err)
	callback := authorize(t, res.AuthURL)

	tampered := []byte(callback.Get("state"))
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	_, err = c.ExchangeCode(context.Background(), callback.Get("code"), string(tampered))
	assert.Error(t, err)
	assert.Equal(t, 0, srv.TokenRequests(), "no token request for a forged state")

	_, err = c.UnwrapState("not-a-signed-value")
	assert.Error(t, err)
}

func TestClient_Refresh(t *testing.T) {
	srv := mock.NewBrokerageServer(mock.BrokerageServerConfig{})
	defer srv.Close()
	c := newTestClient(t, srv)

	issued := srv.IssueToken("readonly")
	rec, err := c.Refresh(context.Background(), issued.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, issued.AccessToken, rec.AccessToken)
	assert.NotEqual(t, issued.RefreshToken, rec.RefreshToken)
	assert.False(t, rec.ExpiresAt.IsZero())
}

func TestClient_RefreshKeepsUnrotatedRefreshToken(t *testing.T) {
	srv := mock.NewBrokerageServer(mock.BrokerageServerConfig{KeepRefreshToken: true})
	defer srv.Close()
	c := newTestClient(t, srv)

	issued := srv.IssueToken("")
	rec, err := c.Refresh(context.Background(), issued.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, issued.RefreshToken, rec.RefreshToken)
}

func TestClient_RefreshRejected(t *testing.T) {
	srv := mock.NewBrokerageServer(mock.BrokerageServerConfig{})
	defer srv.Close()
	c := newTestClient(t, srv)

	_, err := c.Refresh(context.Background(), "unknown-refresh-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
	assert.NotContains(t, err.Error(), "unknown-refresh-token")

	_, err = c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestNewClient_Validation(t *testing.T) {
	codec, err := signing.NewCodec(testSigningSecret)
	require.NoError(t, err)

	_, err = NewClient(ClientConfig{AuthURL: "a", TokenURL: "b"}, codec)
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{ClientID: "c"}, codec)
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{ClientID: "c", AuthURL: "a", TokenURL: "b"}, nil)
	assert.Error(t, err)
}

func TestUnwrapState_PassThroughWithoutUnwrapper(t *testing.T) {
	got, err := UnwrapState(&fakeClient{}, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", got)
}

func TestUnwrapState_ThroughPersistingClient(t *testing.T) {
	srv := mock.NewBrokerageServer(mock.BrokerageServerConfig{})
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.AuthorizationURL(context.Background(), AuthorizationParams{State: "abc"})
	require.NoError(t, err)

	wrapped := NewPersistingClient(c, nil)
	got, err := UnwrapState(wrapped, res.State)
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
	assert.True(t, strings.Contains(res.State, "."))
}
