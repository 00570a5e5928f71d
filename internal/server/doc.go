// Package server exposes brokermcp over HTTP.
//
// The router serves three groups of endpoints:
//
//	/health                                   liveness, unauthenticated
//	/.well-known/oauth-authorization-server   RFC 8414 metadata for MCP clients
//	/authorize, /callback, /token             the authorization flow (rate limited)
//	/mcp                                      streamable MCP, bearer protected
//
// Requests to /mcp must carry a bearer grant issued by the token endpoint.
// The grant is resolved on every request and its identity is placed in the
// tool context, so each caller gets its own brokerage token manager.
// Unauthenticated requests receive 401 with a WWW-Authenticate challenge
// that points at the authorization server metadata.
package server
