package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"brokermcp/internal/grants"
	"brokermcp/internal/tools"
	"brokermcp/pkg/logging"
)

const (
	// DefaultIPRateLimit is the default request rate per client IP on the
	// authorization endpoints (requests/second).
	DefaultIPRateLimit = 10
	// DefaultIPBurst is the default burst size for IP rate limiting.
	DefaultIPBurst = 20

	// DefaultReadHeaderTimeout is the default timeout for reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultWriteTimeout is the default timeout for writing responses.
	DefaultWriteTimeout = 120 * time.Second
	// DefaultIdleTimeout is the default idle timeout for keepalive connections.
	DefaultIdleTimeout = 120 * time.Second

	// MCPPath is where the streamable MCP endpoint is mounted.
	MCPPath = "/mcp"
	// RegisterPath serves dynamic client registration.
	RegisterPath = "/register"

	authServerMetadataPath     = "/.well-known/oauth-authorization-server"
	protectedResourceMetaPath  = "/.well-known/oauth-protected-resource"
	shutdownGracePeriodDefault = 10 * time.Second
)

// GrantResolver resolves bearer grants presented to the MCP endpoint.
type GrantResolver interface {
	Resolve(ctx context.Context, bearer string) (*grants.Grant, error)
}

// FlowRoutes registers the authorization flow endpoints.
type FlowRoutes interface {
	Routes(r chi.Router)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// BaseURL is the externally visible URL of the server. It is used in
	// metadata documents and WWW-Authenticate challenges.
	BaseURL string

	Flow                FlowRoutes
	TokenHandler        http.HandlerFunc
	RegistrationHandler http.HandlerFunc
	Grants              GrantResolver
	MCP          *mcpserver.MCPServer

	// RateLimit is the per-IP request rate on the authorization endpoints.
	// Zero uses DefaultIPRateLimit, a negative value disables limiting.
	RateLimit float64
	RateBurst int

	// TrustProxyHeaders makes rate limiting key on X-Forwarded-For and
	// X-Real-IP. Only enable behind a trusted reverse proxy.
	TrustProxyHeaders bool

	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	Debug bool
}

// Server is the brokermcp HTTP server.
type Server struct {
	cfg         Config
	grants      GrantResolver
	limiter     *ipRateLimiter
	realm       string
	metadataURL string
	debug       bool

	handler    http.Handler
	httpServer *http.Server
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Flow == nil:
		return nil, errors.New("authorization flow handler is required")
	case cfg.TokenHandler == nil:
		return nil, errors.New("token handler is required")
	case cfg.RegistrationHandler == nil:
		return nil, errors.New("registration handler is required")
	case cfg.Grants == nil:
		return nil, errors.New("grant resolver is required")
	case cfg.MCP == nil:
		return nil, errors.New("MCP server is required")
	}

	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultIPRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = DefaultIPBurst
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	s := &Server{
		cfg:     cfg,
		grants:  cfg.Grants,
		limiter: newIPRateLimiter(cfg.RateLimit, cfg.RateBurst),
		realm:   cfg.BaseURL,
		debug:   cfg.Debug,
	}
	if cfg.BaseURL != "" {
		s.metadataURL = cfg.BaseURL + protectedResourceMetaPath
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	if s.cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get(authServerMetadataPath, s.serveAuthorizationServerMetadata)
	r.Get(protectedResourceMetaPath, s.serveProtectedResourceMetadata)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		s.cfg.Flow.Routes(r)
		r.Post("/token", s.cfg.TokenHandler)
		r.Post(RegisterPath, s.cfg.RegistrationHandler)
	})

	streamable := mcpserver.NewStreamableHTTPServer(s.cfg.MCP,
		mcpserver.WithHTTPContextFunc(identityFromRequest),
	)
	r.With(s.requireBearer).Handle(MCPPath, streamable)

	logging.Info("Server", "Registered health, metadata, authorization and MCP endpoints")
	return r
}

// identityFromRequest hands the grant's identity to the tool handlers.
func identityFromRequest(ctx context.Context, r *http.Request) context.Context {
	if g, ok := GrantFromContext(r.Context()); ok {
		return tools.WithIdentity(ctx, g.Identity())
	}
	return ctx
}

type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

func (s *Server) serveAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, authorizationServerMetadata{
		Issuer:                            s.cfg.BaseURL,
		AuthorizationEndpoint:             s.cfg.BaseURL + "/authorize",
		TokenEndpoint:                     s.cfg.BaseURL + "/token",
		RegistrationEndpoint:              s.cfg.BaseURL + RegisterPath,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	})
}

func (s *Server) serveProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, protectedResourceMetadata{
		Resource:               s.cfg.BaseURL + MCPPath,
		AuthorizationServers:   []string{s.cfg.BaseURL},
		BearerMethodsSupported: []string{"header"},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Server", err, "Failed to write JSON response")
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully. ready, when non-nil, is called once the listener is bound.
func (s *Server) ListenAndServe(ctx context.Context, ready func()) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln, ready)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, ready func()) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()
	logging.Info("Server", "Listening on %s", ln.Addr())
	if ready != nil {
		ready()
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriodDefault)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logging.Info("Server", "Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
