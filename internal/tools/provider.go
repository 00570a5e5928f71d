// Package tools exposes the brokerage to MCP clients.
//
// Every brokerage tool resolves the caller's TokenManager and makes sure a
// usable token exists before calling the API. A caller without one gets a
// structured "auth_required" result telling it to run the authorization
// flow, never a raw error.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"brokermcp/internal/autherr"
	"brokermcp/internal/broker"
	"brokermcp/internal/oauth"
	"brokermcp/internal/tokenstore"
	"brokermcp/pkg/logging"
)

// StatusAuthRequired is the status of a not-authenticated tool result.
const StatusAuthRequired = "auth_required"

// BrokerAPI builds API sessions around a token source.
type BrokerAPI interface {
	For(source broker.TokenSource) broker.API
}

// Config configures a Provider.
type Config struct {
	Managers oauth.Managers
	Broker   BrokerAPI

	// DefaultIdentity is used when the request carries none, as on stdio.
	DefaultIdentity tokenstore.Identity

	// AuthorizeURL is shown to callers that need to authenticate.
	AuthorizeURL string

	Name    string
	Version string
}

// Provider owns the MCP server and its tools.
type Provider struct {
	managers        oauth.Managers
	broker          BrokerAPI
	defaultIdentity tokenstore.Identity
	authorizeURL    string

	mcpServer *server.MCPServer
}

// AuthRequired is the structured result of a call that needs authorization.
type AuthRequired struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	AuthorizeURL string `json:"authorize_url,omitempty"`
}

// NewProvider creates the MCP server and registers the tools.
func NewProvider(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "brokermcp"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	p := &Provider{
		managers:        cfg.Managers,
		broker:          cfg.Broker,
		defaultIdentity: cfg.DefaultIdentity,
		authorizeURL:    cfg.AuthorizeURL,
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(p.handleSessionRegistration)
	p.mcpServer = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
	)
	p.registerTools()
	return p
}

// handleSessionRegistration treats a new transport session as a reconnect
// of its identity: the token state is re-established before the first
// tool call. HandleReconnection rate limits itself.
func (p *Provider) handleSessionRegistration(ctx context.Context, session server.ClientSession) {
	m, id := p.manager(ctx)
	if m.HandleReconnection(ctx) {
		logging.Debug("Tools", "Session %s restored the token of %s", session.SessionID(), id)
		return
	}
	logging.Debug("Tools", "Session %s registered for %s without a usable token", session.SessionID(), id)
}

// MCPServer returns the underlying server for the transports.
func (p *Provider) MCPServer() *server.MCPServer {
	return p.mcpServer
}

func (p *Provider) registerTools() {
	p.mcpServer.AddTool(mcp.NewTool("auth_status",
		mcp.WithDescription("Show whether the brokerage connection is authenticated and when the token expires"),
		mcp.WithReadOnlyHintAnnotation(true),
	), p.handleAuthStatus)

	p.mcpServer.AddTool(mcp.NewTool("get_accounts",
		mcp.WithDescription("List the brokerage accounts and their hash values"),
		mcp.WithReadOnlyHintAnnotation(true),
	), p.brokerTool(func(ctx context.Context, api broker.API, _ mcp.CallToolRequest) (any, error) {
		return api.Accounts(ctx)
	}))

	p.mcpServer.AddTool(mcp.NewTool("get_quotes",
		mcp.WithDescription("Get quotes for one or more symbols"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithArray("symbols",
			mcp.Required(),
			mcp.Description("Ticker symbols, e.g. [\"AAPL\", \"MSFT\"]"),
			mcp.WithStringItems(),
		),
	), p.brokerTool(func(ctx context.Context, api broker.API, req mcp.CallToolRequest) (any, error) {
		symbols, err := req.RequireStringSlice("symbols")
		if err != nil {
			return nil, invalidArgument(err)
		}
		if len(symbols) == 0 {
			return nil, invalidArgument(errors.New("symbols must not be empty"))
		}
		return api.Quotes(ctx, symbols)
	}))

	p.mcpServer.AddTool(mcp.NewTool("get_orders",
		mcp.WithDescription("List orders of an account entered in a time range"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("account_hash",
			mcp.Required(),
			mcp.Description("Account hash value as returned by get_accounts"),
		),
		mcp.WithString("from",
			mcp.Description("Start of the range, RFC 3339 (default: 7 days ago)"),
		),
		mcp.WithString("to",
			mcp.Description("End of the range, RFC 3339 (default: now)"),
		),
	), p.brokerTool(func(ctx context.Context, api broker.API, req mcp.CallToolRequest) (any, error) {
		hash, err := req.RequireString("account_hash")
		if err != nil {
			return nil, invalidArgument(err)
		}
		to, err := parseTime(req.GetString("to", ""), time.Now())
		if err != nil {
			return nil, invalidArgument(err)
		}
		from, err := parseTime(req.GetString("from", ""), to.Add(-7*24*time.Hour))
		if err != nil {
			return nil, invalidArgument(err)
		}
		return api.Orders(ctx, hash, from, to)
	}))
}

// manager returns the TokenManager of the caller.
func (p *Provider) manager(ctx context.Context) (*oauth.TokenManager, tokenstore.Identity) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		id = p.defaultIdentity
	}
	return p.managers.Manager(id), id
}

func (p *Provider) handleAuthStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, id := p.manager(ctx)
	if !m.EnsureValidToken(ctx) {
		return p.authRequired("Not authenticated with the brokerage."), nil
	}
	return mcp.NewToolResultJSON(struct {
		Authenticated bool   `json:"authenticated"`
		Identity      string `json:"identity,omitempty"`
		oauth.Diagnostics
	}{
		Authenticated: true,
		Identity:      id.String(),
		Diagnostics:   m.Diagnostics(),
	})
}

type brokerCall func(ctx context.Context, api broker.API, req mcp.CallToolRequest) (any, error)

// brokerTool wraps a brokerage call with the token checks shared by every
// brokerage tool. A token the brokerage rejects gets one forced refresh and
// one retry.
func (p *Provider) brokerTool(call brokerCall) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		m, id := p.manager(ctx)
		if !m.EnsureValidToken(ctx) {
			logging.Debug("Tools", "%s called without a usable token for %s", req.Params.Name, id)
			return p.authRequired("Not authenticated with the brokerage."), nil
		}

		api := p.broker.For(tokenSource(m))
		result, err := call(ctx, api, req)
		if broker.IsUnauthorized(err) {
			logging.Info("Tools", "Brokerage rejected the token of %s, forcing a refresh", id)
			if !m.RefreshRejected(ctx) {
				return p.authRequired("The brokerage rejected the stored token."), nil
			}
			result, err = call(ctx, api, req)
		}
		if err != nil {
			return p.toolError(req.Params.Name, err), nil
		}
		return mcp.NewToolResultJSON(result)
	}
}

func tokenSource(m *oauth.TokenManager) broker.TokenSource {
	return func(ctx context.Context) (oauth.RedactedToken, error) {
		tok, ok := m.BearerToken(ctx)
		if !ok {
			return oauth.RedactedToken{}, autherr.New(autherr.NotAuthenticated, "no usable access token")
		}
		return tok, nil
	}
}

func (p *Provider) authRequired(message string) *mcp.CallToolResult {
	body := AuthRequired{
		Status:       StatusAuthRequired,
		Message:      message + " Complete the authorization flow and retry.",
		AuthorizeURL: p.authorizeURL,
	}
	res := mcp.NewToolResultStructured(body, body.Message)
	res.IsError = true
	return res
}

func (p *Provider) toolError(tool string, err error) *mcp.CallToolResult {
	var arg *argumentError
	switch {
	case errors.As(err, &arg):
		return mcp.NewToolResultError(arg.Error())
	case autherr.Is(err, autherr.NotAuthenticated):
		return p.authRequired("Not authenticated with the brokerage.")
	default:
		logging.Warn("Tools", "%s failed: %v", tool, err)
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %s", tool, autherr.MessageOf(err)))
	}
}

type argumentError struct{ err error }

func (e *argumentError) Error() string { return "invalid arguments: " + e.err.Error() }
func (e *argumentError) Unwrap() error { return e.err }

func invalidArgument(err error) error { return &argumentError{err: err} }

func parseTime(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 time", value)
	}
	return t, nil
}
