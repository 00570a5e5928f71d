package server

import (
	"fmt"
	"net/http"
	"strings"
)

// Bearer token error codes from RFC 6750 section 3.1.
const (
	bearerErrorInvalidRequest = "invalid_request"
	bearerErrorInvalidToken   = "invalid_token"
)

// challengeParams are the parameters of a Bearer WWW-Authenticate
// challenge.
type challengeParams struct {
	Realm            string
	Error            string
	ErrorDescription string
	ResourceMetadata string
}

// String renders the header value. Empty parameters are omitted.
func (p challengeParams) String() string {
	var parts []string
	add := func(key, value string) {
		if value == "" {
			return
		}
		value = strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
		parts = append(parts, fmt.Sprintf(`%s="%s"`, key, value))
	}
	add("realm", p.Realm)
	add("error", p.Error)
	add("error_description", p.ErrorDescription)
	add("resource_metadata", p.ResourceMetadata)

	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// writeUnauthorized sends a 401 with a Bearer challenge.
func writeUnauthorized(w http.ResponseWriter, p challengeParams) {
	w.Header().Set("WWW-Authenticate", p.String())
	writeJSONError(w, http.StatusUnauthorized, p.Error, p.ErrorDescription)
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
