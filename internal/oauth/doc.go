// Package oauth manages the lifecycle of the upstream brokerage OAuth token.
//
// A TokenManager owns one token (one per identity in multi-tenant
// deployments) and moves it through a small set of states:
//
//	Uninitialized -> Valid | Expired      (Initialize)
//	Valid | Expired -> Refreshing          (Refresh)
//	Refreshing -> Valid | Errored          (refresh outcome)
//	Valid | Expired -> Uninitialized       (Invalidate, Logout)
//
// The Refreshing state doubles as the refresh lock: a caller that finds the
// manager refreshing returns immediately instead of waiting, so at most one
// token request is in flight per manager.
//
// # Upstream client
//
// Client talks to the brokerage authorization server through
// golang.org/x/oauth2 with S256 PKCE. The PKCE verifier travels inside the
// signed upstream state so the callback can be served by any replica.
// PersistingClient decorates an UpstreamClient so every token it obtains is
// written to the store before it is returned. Optional behaviour (state
// unwrapping, server-side validation, reconnection) is discovered through
// the decorator chain with Unwrap.
//
// # Topologies
//
// SinglePool serves a fixed-key store shared by every caller of the process.
// Pool keeps one manager per (user, client) identity on a KeyedStore and
// migrates records from a placeholder identity once the real one is known.
package oauth
