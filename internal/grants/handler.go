package grants

import (
	"encoding/json"
	"net/http"

	"brokermcp/internal/autherr"
	"brokermcp/pkg/logging"
)

type tokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// HandleToken serves the downstream token endpoint. Only the
// authorization_code grant is supported; clients are public and prove
// possession with PKCE.
func (i *Issuer) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "authorization_code" {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	clientID := r.PostForm.Get("client_id")
	if clientID == "" {
		if id, _, ok := r.BasicAuth(); ok {
			clientID = id
		}
	}

	resp, err := i.ExchangeCode(r.Context(),
		r.PostForm.Get("code"),
		clientID,
		r.PostForm.Get("redirect_uri"),
		r.PostForm.Get("code_verifier"),
	)
	if err != nil {
		if autherr.Is(err, autherr.InvalidGrant) {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant", autherr.MessageOf(err))
			return
		}
		logging.Error("Grants", err, "Token exchange failed")
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error("Grants", err, "Failed to write token response")
	}
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(tokenError{Error: code, Description: description})
}
