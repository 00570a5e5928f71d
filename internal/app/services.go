package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"brokermcp/internal/approval"
	"brokermcp/internal/authflow"
	"brokermcp/internal/broker"
	"brokermcp/internal/clients"
	"brokermcp/internal/config"
	"brokermcp/internal/grants"
	"brokermcp/internal/oauth"
	"brokermcp/internal/server"
	"brokermcp/internal/signing"
	"brokermcp/internal/tokenstore"
	"brokermcp/internal/tools"
	"brokermcp/pkg/logging"
)

// Services holds the object graph of a running process.
type Services struct {
	Settings config.Config

	KV tokenstore.KV
	// FileKV is set when the file backend is in use.
	FileKV *tokenstore.FileKV

	// FixedStore is set in single token mode.
	FixedStore *tokenstore.FixedKeyStore

	Codec    *signing.Codec
	Upstream *oauth.Client
	Managers oauth.Managers
	Broker   *broker.Client
	Grants   *grants.Issuer
	Clients  *clients.Registry
	Flow     *authflow.Handler
	Tools    *tools.Provider
	Server   *server.Server

	closers []func() error
}

// ServiceOptions tune InitializeServices.
type ServiceOptions struct {
	Debug   bool
	Version string

	// HTTPClient is used for brokerage and OAuth calls. Mostly for tests.
	HTTPClient *http.Client
}

// InitializeServices builds every component from settings. Call Close on
// the result to release the store.
func InitializeServices(ctx context.Context, settings config.Config, opts ServiceOptions) (*Services, error) {
	s := &Services{Settings: settings}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	var err error
	if err = s.initStore(ctx); err != nil {
		return nil, err
	}

	s.Codec, err = signing.NewCodec(settings.OAuth.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing codec: %w", err)
	}

	baseURL := strings.TrimSuffix(settings.Server.BaseURL, "/")
	s.Upstream, err = oauth.NewClient(oauth.ClientConfig{
		ClientID:          settings.OAuth.ClientID,
		ClientSecret:      settings.OAuth.ClientSecret,
		AuthURL:           settings.OAuth.AuthURL,
		TokenURL:          settings.OAuth.TokenURL,
		RedirectURL:       baseURL + "/callback",
		Scopes:            settings.OAuth.Scopes,
		AuthStyleInParams: settings.OAuth.AuthStyleInParams,
		Timeout:           settings.OAuth.Timeout,
		HTTPClient:        opts.HTTPClient,
	}, s.Codec)
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth client: %w", err)
	}

	storeOpts, err := recordOptions(settings.Store)
	if err != nil {
		return nil, err
	}
	s.Managers, s.FixedStore = newManagers(settings.Tokens, s.KV, storeOpts, s.Upstream)

	s.Broker, err = broker.NewClient(broker.Config{
		BaseURL:    settings.Broker.BaseURL,
		Timeout:    settings.Broker.Timeout,
		MaxRetries: settings.Broker.MaxRetries,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create brokerage client: %w", err)
	}

	s.Grants = grants.NewIssuer(s.KV, grants.Options{})
	s.Clients = clients.NewRegistry(s.KV, clients.Options{})

	s.Flow, err = authflow.NewHandler(authflow.Config{
		Upstream:  s.Upstream,
		Managers:  s.Managers,
		Identity:  s.Broker,
		Completer: s.Grants,
		Clients:   s.Clients,
		Codec:     s.Codec,
		Approval: approval.Options{
			SameSite: settings.Approval.SameSiteMode(),
			Insecure: settings.Approval.Insecure,
			MaxAge:   settings.Approval.MaxAge,
		},
		ServerName: settings.Server.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization flow: %w", err)
	}

	s.Tools = tools.NewProvider(tools.Config{
		Managers: s.Managers,
		Broker:   s.Broker,
		DefaultIdentity: tokenstore.Identity{
			UserID:   settings.Tokens.StdioUserID,
			ClientID: settings.Tokens.StdioClientID,
		},
		AuthorizeURL: baseURL + "/authorize",
		Name:         settings.Server.Name,
		Version:      opts.Version,
	})

	s.Server, err = server.New(server.Config{
		Addr:                settings.Server.Addr,
		BaseURL:             baseURL,
		Flow:                s.Flow,
		TokenHandler:        s.Grants.HandleToken,
		RegistrationHandler: s.Clients.HandleRegister,
		Grants:              s.Grants,
		MCP:                 s.Tools.MCPServer(),
		RateLimit:           settings.Server.RateLimit,
		RateBurst:           settings.Server.RateBurst,
		TrustProxyHeaders:   settings.Server.TrustProxyHeaders,
		ReadHeaderTimeout:   settings.Server.ReadHeaderTimeout,
		WriteTimeout:        settings.Server.WriteTimeout,
		IdleTimeout:         settings.Server.IdleTimeout,
		Debug:               opts.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP server: %w", err)
	}

	logging.Info("Bootstrap", "Services initialized (store=%s, tokens=%s)", settings.Store.Type, settings.Tokens.Mode)
	ok = true
	return s, nil
}

func (s *Services) initStore(ctx context.Context) error {
	cfg := s.Settings.Store
	switch cfg.Type {
	case config.StoreRedis:
		kv, err := tokenstore.NewRedisKV(ctx, tokenstore.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis store: %w", err)
		}
		s.KV = kv
		s.closers = append(s.closers, kv.Close)
	case config.StoreFile:
		kv, err := tokenstore.NewFileKV(cfg.File.Dir)
		if err != nil {
			return fmt.Errorf("failed to create file store: %w", err)
		}
		s.KV = kv
		s.FileKV = kv
	case config.StoreMemory, "":
		kv := tokenstore.NewMemoryKV()
		s.KV = kv
		s.closers = append(s.closers, kv.Close)
	default:
		return fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
	logging.Info("Bootstrap", "Using %s token store", s.Settings.Store.Type)
	return nil
}

func recordOptions(cfg config.StoreConfig) (tokenstore.Options, error) {
	opts := tokenstore.Options{TTL: cfg.TTL, Writer: uuid.NewString()}
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return opts, fmt.Errorf("invalid store encryption key: %w", err)
	}
	if key != nil {
		enc, err := tokenstore.NewEncryptor(key)
		if err != nil {
			return opts, err
		}
		opts.Codec = tokenstore.NewRecordCodec(enc)
		logging.Info("Bootstrap", "Token encryption at rest enabled")
	} else {
		logging.Warn("Bootstrap", "No store encryption key configured, tokens are stored in plain text")
	}
	return opts, nil
}

func newManagers(cfg config.TokensConfig, kv tokenstore.KV, opts tokenstore.Options, upstream oauth.UpstreamClient) (oauth.Managers, *tokenstore.FixedKeyStore) {
	threshold := cfg.RefreshThreshold
	mcfg := oauth.ManagerConfig{
		RefreshThreshold:  &threshold,
		ReconnectInterval: cfg.ReconnectInterval,
		RequestTimeout:    cfg.RequestTimeout,
	}
	if cfg.Mode == config.TokenModeSingle {
		store := tokenstore.NewFixedKeyStore(kv, cfg.AppName, opts)
		mcfg.Label = cfg.AppName
		return oauth.NewSinglePool(oauth.NewTokenManager(oauth.NewPersistingClient(upstream, store), store, mcfg)), store
	}
	return oauth.NewPool(tokenstore.NewKeyedStore(kv, opts), upstream, mcfg), nil
}

// HandleStoreChange routes a change hint from the file store to the
// managers it concerns. Grants, codes and client registrations are not
// token records and are ignored. An empty key could not be identified.
func (s *Services) HandleStoreChange(ctx context.Context, key string) {
	if s.FixedStore != nil {
		if key != "" && key != s.FixedStore.SyncKey() {
			return
		}
		changed, err := s.FixedStore.ChangedElsewhere(ctx)
		if err != nil {
			logging.Warn("TokenStore", "Failed to read sync marker: %v", err)
		} else if !changed {
			return
		}
		logging.Debug("TokenStore", "Token changed by another process, reloading")
		s.Managers.InvalidateAll()
		return
	}

	if key == "" {
		s.Managers.InvalidateAll()
		return
	}
	id, ok := tokenstore.ParseIdentityKey(key)
	if !ok {
		return
	}
	logging.Debug("TokenStore", "Token record of %s changed, reloading", id)
	s.Managers.Invalidate(id)
}

// Manager returns the token manager of id after loading its stored
// record. In single mode id is ignored.
func (s *Services) Manager(ctx context.Context, id tokenstore.Identity) *oauth.TokenManager {
	m := s.Managers.Manager(id)
	m.Initialize(ctx)
	return m
}

// Close releases the store.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
