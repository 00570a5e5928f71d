package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokermcp/internal/autherr"
	"brokermcp/internal/tokenstore"
)

const testConfig = `
server:
  addr: 127.0.0.1:0
  base_url: http://localhost:8090
oauth:
  client_id: client
  auth_url: https://auth.broker.example.com/authorize
  token_url: https://auth.broker.example.com/token
  signing_secret: k8Jq2vN5xR9wT4mZ7pL1sD6fG3hY0cBa
broker:
  base_url: https://api.broker.example.com/v1
store:
  type: file
  file:
    dir: %s
tokens:
  mode: single
  app_name: clitest
`

// setupConfig writes a config with a file store and returns the config
// directory and the token directory.
func setupConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	tokens := filepath.Join(dir, "tokens")
	content := strings.Replace(testConfig, "%s", tokens, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600))
	return dir, tokens
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	authJSON = false
	authUserID = ""
	authClientID = ""
	serveTransport = "http"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func seedToken(t *testing.T, tokenDir string) {
	t.Helper()
	kv, err := tokenstore.NewFileKV(tokenDir)
	require.NoError(t, err)
	store := tokenstore.NewFixedKeyStore(kv, "clitest", tokenstore.Options{})
	require.NoError(t, store.Save(context.Background(), &tokenstore.TokenRecord{
		AccessToken:  "access-value",
		RefreshToken: "refresh-value",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
}

func TestVersionCommand(t *testing.T) {
	original := GetVersion()
	defer SetVersion(original)
	SetVersion("1.2.3-test")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "brokermcp version 1.2.3-test\n", out)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCodeSuccess, getExitCode(nil))
	assert.Equal(t, ExitCodeError, getExitCode(errors.New("boom")))
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(autherr.New(autherr.NotAuthenticated, "no token")))
	assert.Equal(t, ExitCodeConfig, getExitCode(
		errors.Join(errors.New("context"), autherr.New(autherr.ConfigurationMissing, "bad config"))))
}

func TestAuthStatus_NoToken(t *testing.T) {
	dir, _ := setupConfig(t)

	out, err := execute(t, "auth", "status", "--config-path", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
	assert.Contains(t, out, "uninitialized")
	assert.Contains(t, out, "absent")
}

func TestAuthStatus_StoredToken(t *testing.T) {
	dir, tokens := setupConfig(t)
	seedToken(t, tokens)

	out, err := execute(t, "auth", "status", "--config-path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
	assert.Contains(t, out, "present")
	assert.NotContains(t, out, "access-value")
	assert.NotContains(t, out, "refresh-value")
}

func TestAuthStatus_JSON(t *testing.T) {
	dir, tokens := setupConfig(t)
	seedToken(t, tokens)

	out, err := execute(t, "auth", "status", "--json", "--config-path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "valid"`)
	assert.Contains(t, out, `"has_refresh_token": true`)
}

func TestAuthLogout(t *testing.T) {
	dir, tokens := setupConfig(t)
	seedToken(t, tokens)

	out, err := execute(t, "auth", "logout", "--config-path", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	_, err = execute(t, "auth", "status", "--config-path", dir)
	assert.Equal(t, ExitCodeAuthRequired, getExitCode(err))
}

func TestAuth_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store:\n  type: sqlite\n"), 0600))

	_, err := execute(t, "auth", "status", "--config-path", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCodeConfig, getExitCode(err))
}

func TestServe_RejectsUnknownTransport(t *testing.T) {
	_, err := execute(t, "serve", "--transport", "sse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestFormatExpiry(t *testing.T) {
	assert.Equal(t, "in 1m30s", formatExpiry(90*time.Second))
	assert.Equal(t, "expired 10s ago", formatExpiry(-10*time.Second))
}
