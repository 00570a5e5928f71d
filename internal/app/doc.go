// Package app bootstraps brokermcp.
//
// NewApplication loads and validates configuration, then builds the object
// graph once per process: the token store backend, the signing codec, the
// brokerage OAuth client, the token manager pool, the downstream grant
// issuer, the authorization flow handler, the MCP tool provider and the
// HTTP server. Nothing here is a package-level singleton; every store
// handle is created in InitializeServices and injected.
//
// Run serves until the context is cancelled. The HTTP server always runs
// because the authorization flow needs its callback endpoint; with the
// stdio transport the MCP tools are additionally served on stdin/stdout.
package app
