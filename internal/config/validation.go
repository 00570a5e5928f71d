package config

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"brokermcp/internal/autherr"
	"brokermcp/internal/signing"
)

// ValidationError is a problem with one configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors collects every problem found by Validate.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Add appends a problem.
func (ve *ValidationErrors) Add(field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message})
}

func (ve *ValidationErrors) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		ve.Add(field, "is required")
	}
}

func (ve *ValidationErrors) absoluteURL(field, value string) {
	if value == "" {
		ve.Add(field, "is required")
		return
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add(field, "must be an absolute URL")
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		ve.Add(field, "must use http or https")
	}
}

// Validate checks the configuration needed to serve. The returned error is
// an autherr ConfigurationMissing wrapping ValidationErrors.
func (c Config) Validate() error {
	var errs ValidationErrors

	errs.required("server.addr", c.Server.Addr)
	errs.absoluteURL("server.base_url", c.Server.BaseURL)

	errs.required("oauth.client_id", c.OAuth.ClientID)
	errs.absoluteURL("oauth.auth_url", c.OAuth.AuthURL)
	errs.absoluteURL("oauth.token_url", c.OAuth.TokenURL)
	if err := signing.ValidateSecret(c.OAuth.SigningSecret); err != nil {
		errs.Add("oauth.signing_secret", err.Error())
	}

	switch strings.ToLower(c.Approval.SameSite) {
	case "", "lax", "strict":
	case "none":
		if c.Approval.Insecure {
			errs.Add("approval.same_site", "none requires secure cookies")
		}
	default:
		errs.Add("approval.same_site", fmt.Sprintf("unknown value %q (supported: lax, strict, none)", c.Approval.SameSite))
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreRedis:
		errs.required("store.redis.addr", c.Store.Redis.Addr)
	case StoreFile:
		errs.required("store.file.dir", c.Store.File.Dir)
	default:
		errs.Add("store.type", fmt.Sprintf("unknown store %q (supported: %s, %s, %s)", c.Store.Type, StoreMemory, StoreRedis, StoreFile))
	}
	if _, err := c.Store.EncryptionKeyBytes(); err != nil {
		errs.Add("store.encryption_key", err.Error())
	}

	errs.absoluteURL("broker.base_url", c.Broker.BaseURL)

	switch c.Tokens.Mode {
	case TokenModeKeyed:
	case TokenModeSingle:
		errs.required("tokens.app_name", c.Tokens.AppName)
	default:
		errs.Add("tokens.mode", fmt.Sprintf("unknown mode %q (supported: %s, %s)", c.Tokens.Mode, TokenModeKeyed, TokenModeSingle))
	}
	if c.Tokens.RefreshThreshold < 0 {
		errs.Add("tokens.refresh_threshold", "must not be negative")
	}

	if len(errs) > 0 {
		return autherr.Wrap(autherr.ConfigurationMissing, "invalid configuration", errs)
	}
	return nil
}

// SameSiteMode converts the configured SameSite value.
func (c ApprovalConfig) SameSiteMode() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// EncryptionKeyBytes decodes the at-rest encryption key. It returns nil
// when no key is configured.
func (c StoreConfig) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("must be base64 encoded")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
