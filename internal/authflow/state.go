// Package authflow drives the downstream authorization flow: the
// authorize endpoint with its approval gate, the upstream redirect and the
// callback that exchanges the code, resolves the upstream identity and
// hands control back to the original client.
package authflow

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// AuthRequest is the downstream client's original authorization request.
type AuthRequest struct {
	ResponseType        string   `json:"responseType"`
	ClientID            string   `json:"clientId"`
	RedirectURI         string   `json:"redirectUri"`
	Scope               []string `json:"scope"`
	State               string   `json:"state"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
}

// RequestState is threaded through the approval page and the upstream
// redirect. It must survive the round trip unchanged because completing the
// flow needs the original redirect URI and scope.
type RequestState struct {
	OAuthReqInfo *AuthRequest `json:"oauthReqInfo,omitempty"`
	ClientID     string       `json:"clientId,omitempty"`
	UserID       string       `json:"userId,omitempty"`
}

// RequestingClient returns the client the state belongs to.
func (s *RequestState) RequestingClient() string {
	if s.ClientID != "" {
		return s.ClientID
	}
	if s.OAuthReqInfo != nil {
		return s.OAuthReqInfo.ClientID
	}
	return ""
}

// EncodeRequestState encodes s as standard base64 JSON.
func EncodeRequestState(s *RequestState) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode request state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeRequestState reverses EncodeRequestState.
func DecodeRequestState(encoded string) (*RequestState, error) {
	if encoded == "" {
		return nil, errors.New("empty request state")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("request state is not valid base64: %w", err)
	}
	var s RequestState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("request state is not valid JSON: %w", err)
	}
	return &s, nil
}

// decodeForApproval adapts DecodeRequestState to the approval gate.
func decodeForApproval(encoded string) (*RequestState, string, error) {
	s, err := DecodeRequestState(encoded)
	if err != nil {
		return nil, "", err
	}
	return s, s.RequestingClient(), nil
}
