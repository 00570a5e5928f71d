package clients

import (
	"encoding/json"
	"net/http"

	"brokermcp/internal/autherr"
	"brokermcp/pkg/logging"
)

// maxRegistrationBody bounds the registration request body.
const maxRegistrationBody = 64 << 10

// RegistrationResponse is the RFC 7591 success body.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type registrationError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// HandleRegister serves the dynamic client registration endpoint.
func (r *Registry) HandleRegister(w http.ResponseWriter, req *http.Request) {
	var body RegistrationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRegistrationBody))
	if err := dec.Decode(&body); err != nil {
		writeRegistrationError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed registration request")
		return
	}

	c, err := r.Register(req.Context(), &body)
	if err != nil {
		switch autherr.KindOf(err) {
		case autherr.InvalidRedirectURI:
			writeRegistrationError(w, http.StatusBadRequest, "invalid_redirect_uri", autherr.MessageOf(err))
		case autherr.InvalidClientMetadata:
			writeRegistrationError(w, http.StatusBadRequest, "invalid_client_metadata", autherr.MessageOf(err))
		default:
			logging.Error("Clients", err, "Client registration failed")
			writeRegistrationError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(RegistrationResponse{
		ClientID:                c.ID,
		ClientIDIssuedAt:        c.CreatedAt.Unix(),
		ClientName:              c.Name,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
	}); err != nil {
		logging.Error("Clients", err, "Failed to write registration response")
	}
}

func writeRegistrationError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(registrationError{Error: code, Description: description})
}
