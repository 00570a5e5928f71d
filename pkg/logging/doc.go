// Package logging provides the structured logging facade used across
// brokermcp.
//
// It is a thin layer over Go's log/slog that tags every record with a
// subsystem so output can be filtered per component.
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Bootstrap", "listening on %s", addr)
//	logging.Debug("TokenManager", "state %s -> %s", from, to)
//	logging.Error("AuthFlow", err, "token exchange failed")
//
// # Subsystems
//
//   - Bootstrap: process start-up and shutdown
//   - Config: configuration loading and validation
//   - TokenStore: persistence backends
//   - TokenManager: OAuth token lifecycle
//   - AuthFlow: authorization and callback endpoints
//   - Approval: client approval cookie handling
//   - Broker: upstream brokerage API calls
//   - Tools: MCP tool handlers
//
// # Secrets
//
// Tokens and signing secrets must never be passed to these functions.
// Use TruncateID for identifiers and Redact / RedactError when an error
// string may embed a credential.
//
// # Audit Logging
//
//	logging.Audit(logging.AuditEvent{
//	    Action:  "token_refresh",
//	    Outcome: "success",
//	    UserID:  logging.TruncateID(userID),
//	})
//
// Audit events are logged at INFO level with an [AUDIT] prefix.
//
// Before InitForCLI is called only warnings and errors are written, to
// stderr.
package logging
