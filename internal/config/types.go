package config

import "time"

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreFile   = "file"
)

// Token modes.
const (
	// TokenModeKeyed keeps one brokerage token per MCP user and client.
	TokenModeKeyed = "keyed"
	// TokenModeSingle shares one brokerage token for the whole process.
	TokenModeSingle = "single"
)

// Config is the top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	OAuth    OAuthConfig    `yaml:"oauth" envPrefix:"OAUTH_"`
	Approval ApprovalConfig `yaml:"approval" envPrefix:"APPROVAL_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	Broker   BrokerConfig   `yaml:"broker" envPrefix:"BROKER_"`
	Tokens   TokensConfig   `yaml:"tokens" envPrefix:"TOKENS_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr    string `yaml:"addr,omitempty" env:"ADDR"`
	BaseURL string `yaml:"base_url,omitempty" env:"BASE_URL"` // externally visible URL, used for redirects and metadata
	Name    string `yaml:"name,omitempty" env:"NAME"`         // shown on the approval page

	RateLimit         float64 `yaml:"rate_limit,omitempty" env:"RATE_LIMIT"` // per-IP requests/second on auth endpoints, negative disables
	RateBurst         int     `yaml:"rate_burst,omitempty" env:"RATE_BURST"`
	TrustProxyHeaders bool    `yaml:"trust_proxy_headers,omitempty" env:"TRUST_PROXY_HEADERS"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty" env:"READ_HEADER_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout,omitempty" env:"WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout,omitempty" env:"IDLE_TIMEOUT"`
}

// OAuthConfig configures the brokerage authorization server client.
type OAuthConfig struct {
	ClientID          string        `yaml:"client_id,omitempty" env:"CLIENT_ID"`
	ClientSecret      string        `yaml:"client_secret,omitempty" env:"CLIENT_SECRET"`
	AuthURL           string        `yaml:"auth_url,omitempty" env:"AUTH_URL"`
	TokenURL          string        `yaml:"token_url,omitempty" env:"TOKEN_URL"`
	Scopes            []string      `yaml:"scopes,omitempty" env:"SCOPES" envSeparator:","`
	AuthStyleInParams bool          `yaml:"auth_style_in_params,omitempty" env:"AUTH_STYLE_IN_PARAMS"`
	Timeout           time.Duration `yaml:"timeout,omitempty" env:"TIMEOUT"`

	// SigningSecret signs approval cookies and OAuth state.
	SigningSecret string `yaml:"signing_secret,omitempty" env:"SIGNING_SECRET"`
}

// ApprovalConfig configures the approval cookie.
type ApprovalConfig struct {
	SameSite string        `yaml:"same_site,omitempty" env:"SAME_SITE"` // lax, strict or none
	Insecure bool          `yaml:"insecure,omitempty" env:"INSECURE"`   // drop the Secure attribute, local development only
	MaxAge   time.Duration `yaml:"max_age,omitempty" env:"MAX_AGE"`
}

// StoreConfig selects and configures the token store backend.
type StoreConfig struct {
	Type string        `yaml:"type,omitempty" env:"TYPE"`
	TTL  time.Duration `yaml:"ttl,omitempty" env:"TTL"`

	// EncryptionKey is a base64 encoded 32 byte AES key. Tokens are stored
	// in plain text when empty.
	EncryptionKey string `yaml:"encryption_key,omitempty" env:"ENCRYPTION_KEY"`

	Redis RedisConfig `yaml:"redis,omitempty" envPrefix:"REDIS_"`
	File  FileConfig  `yaml:"file,omitempty" envPrefix:"FILE_"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr,omitempty" env:"ADDR"`
	Username  string `yaml:"username,omitempty" env:"USERNAME"`
	Password  string `yaml:"password,omitempty" env:"PASSWORD"`
	DB        int    `yaml:"db,omitempty" env:"DB"`
	KeyPrefix string `yaml:"key_prefix,omitempty" env:"KEY_PREFIX"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Dir   string `yaml:"dir,omitempty" env:"DIR"`
	Watch bool   `yaml:"watch,omitempty" env:"WATCH"` // invalidate cached token state when another process writes
}

// BrokerConfig configures the brokerage REST client.
type BrokerConfig struct {
	BaseURL    string        `yaml:"base_url,omitempty" env:"BASE_URL"`
	Timeout    time.Duration `yaml:"timeout,omitempty" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries,omitempty" env:"MAX_RETRIES"`
}

// TokensConfig configures the token state machine.
type TokensConfig struct {
	Mode    string `yaml:"mode,omitempty" env:"MODE"`
	AppName string `yaml:"app_name,omitempty" env:"APP_NAME"` // key namespace in single mode

	// StdioUserID and StdioClientID select the keyed record used by the
	// stdio transport, which carries no bearer grant.
	StdioUserID   string `yaml:"stdio_user_id,omitempty" env:"STDIO_USER_ID"`
	StdioClientID string `yaml:"stdio_client_id,omitempty" env:"STDIO_CLIENT_ID"`

	RefreshThreshold  time.Duration `yaml:"refresh_threshold,omitempty" env:"REFRESH_THRESHOLD"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval,omitempty" env:"RECONNECT_INTERVAL"`
	RequestTimeout    time.Duration `yaml:"request_timeout,omitempty" env:"REQUEST_TIMEOUT"`
}
