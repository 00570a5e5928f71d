package oauth

import (
	"fmt"
	"log/slog"
	"strconv"
)

const redactedPlaceholder = "[REDACTED]"

// RedactedToken carries an access token from a TokenManager to the
// Authorization header of a brokerage request. fmt verbs, slog attributes
// and text or JSON encoding all see a placeholder; Value is the only way to
// the token itself.
type RedactedToken struct {
	value string
}

// NewRedactedToken wraps an access token.
func NewRedactedToken(value string) RedactedToken {
	return RedactedToken{value: value}
}

// Value returns the raw token for the request header.
func (t RedactedToken) Value() string {
	return t.value
}

// IsEmpty reports whether no token is held.
func (t RedactedToken) IsEmpty() bool {
	return t.value == ""
}

// Format prints the placeholder for every verb, %#v and %x included.
func (t RedactedToken) Format(f fmt.State, verb rune) {
	if verb == 'q' {
		_, _ = f.Write([]byte(strconv.Quote(redactedPlaceholder)))
		return
	}
	_, _ = f.Write([]byte(redactedPlaceholder))
}

func (t RedactedToken) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// MarshalText also covers encoding/json, which quotes the result.
func (t RedactedToken) MarshalText() ([]byte, error) {
	return []byte(redactedPlaceholder), nil
}
