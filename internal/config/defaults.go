package config

import "time"

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              "localhost:8090",
			BaseURL:           "http://localhost:8090",
			Name:              "brokermcp",
			RateLimit:         10,
			RateBurst:         20,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		OAuth: OAuthConfig{
			Timeout: 30 * time.Second,
		},
		Approval: ApprovalConfig{
			SameSite: "lax",
			MaxAge:   365 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Type: StoreMemory,
			TTL:  30 * 24 * time.Hour,
			Redis: RedisConfig{
				KeyPrefix: "brokermcp:",
			},
		},
		Broker: BrokerConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Tokens: TokensConfig{
			Mode:              TokenModeKeyed,
			AppName:           "brokermcp",
			RefreshThreshold:  5 * time.Minute,
			ReconnectInterval: 5 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
	}
}
