package app

import "brokermcp/internal/config"

// Transports.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Config holds the application configuration.
type Config struct {
	Debug bool

	// Silent discards log output.
	Silent bool

	// ConfigPath is the directory holding config.yaml.
	ConfigPath string

	// Transport is TransportHTTP or TransportStdio.
	Transport string

	// Version is reported by the MCP server.
	Version string

	// Settings is loaded from ConfigPath when nil.
	Settings *config.Config
}

// NewConfig creates a new application configuration.
func NewConfig(debug bool, configPath, transport string) *Config {
	if transport == "" {
		transport = TransportHTTP
	}
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
		Transport:  transport,
	}
}
