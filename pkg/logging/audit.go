package logging

import (
	"fmt"
	"strings"
)

// AuditEvent describes a security-relevant action such as a token exchange,
// refresh, approval or logout. Values must already be safe to log.
type AuditEvent struct {
	Action   string
	Outcome  string
	UserID   string
	ClientID string
	Details  string
	Error    string
}

// Audit logs a security event at INFO level with an [AUDIT] prefix so log
// pipelines can filter on it.
func Audit(event AuditEvent) {
	parts := []string{
		"action=" + event.Action,
		"outcome=" + event.Outcome,
	}
	if event.UserID != "" {
		parts = append(parts, "user="+event.UserID)
	}
	if event.ClientID != "" {
		parts = append(parts, "client="+event.ClientID)
	}
	if event.Details != "" {
		parts = append(parts, "details="+event.Details)
	}
	if event.Error != "" {
		parts = append(parts, "error="+event.Error)
	}
	Info("Audit", "[AUDIT] %s", strings.Join(parts, " "))
}

// TruncateID shortens an identifier for logging. IDs of 8 characters or fewer
// are returned unchanged.
func TruncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// Redact replaces every occurrence of the given secrets in s with
// "[REDACTED]". Empty secrets are ignored.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "[REDACTED]")
	}
	return s
}

// RedactError formats err with secrets removed. A nil error yields "".
func RedactError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}
	return Redact(fmt.Sprint(err), secrets...)
}
