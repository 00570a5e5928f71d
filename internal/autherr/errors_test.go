package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{MissingClientID, http.StatusBadRequest},
		{MissingState, http.StatusBadRequest},
		{InvalidState, http.StatusBadRequest},
		{CookieSignatureFailed, http.StatusBadRequest},
		{TokenExchangeFailed, http.StatusInternalServerError},
		{NoUpstreamIdentity, http.StatusInternalServerError},
		{ConfigurationMissing, http.StatusInternalServerError},
		{NotAuthenticated, http.StatusUnauthorized},
		{MethodNotAllowed, http.StatusMethodNotAllowed},
		{APIResponseFailed, http.StatusBadGateway},
		{UnknownClient, http.StatusBadRequest},
		{InvalidRedirectURI, http.StatusBadRequest},
		{InvalidClientMetadata, http.StatusBadRequest},
		{InvalidRequest, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Status())
		})
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("callback: %w", Wrap(TokenExchangeFailed, "token exchange failed", cause))

	assert.Equal(t, TokenExchangeFailed, KindOf(err))
	assert.True(t, Is(err, TokenExchangeFailed))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Equal(t, "token exchange failed", MessageOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestUnclassified(t *testing.T) {
	err := errors.New("secret-bearing text")

	assert.Equal(t, Kind(""), KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Equal(t, "internal error", MessageOf(err))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "MissingState: missing state", New(MissingState, "missing state").Error())
	assert.Contains(t, Wrap(InvalidState, "bad state", errors.New("eof")).Error(), "eof")
}
