package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"brokermcp/internal/config"
	"brokermcp/pkg/logging"
)

// Application bootstraps and runs brokermcp.
//
//	cfg := app.NewConfig(false, configPath, app.TransportHTTP)
//	application, err := app.NewApplication(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	return application.Run(ctx, nil)
type Application struct {
	config   *Config
	services *Services
}

// NewApplication configures logging, loads and validates the settings and
// initializes the services.
func NewApplication(ctx context.Context, cfg *Config) (*Application, error) {
	configureLogging(cfg)

	if cfg.Settings == nil {
		settings, err := config.Load(cfg.ConfigPath)
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load configuration from %s", cfg.ConfigPath)
			return nil, fmt.Errorf("failed to load configuration from %s: %w", cfg.ConfigPath, err)
		}
		cfg.Settings = &settings
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	services, err := InitializeServices(ctx, *cfg.Settings, ServiceOptions{
		Debug:   cfg.Debug,
		Version: cfg.Version,
	})
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return &Application{config: cfg, services: services}, nil
}

// configureLogging sends logs to stderr on the stdio transport, where
// stdout carries the MCP protocol.
func configureLogging(cfg *Config) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	var out io.Writer = os.Stdout
	switch {
	case cfg.Silent:
		out = io.Discard
	case cfg.Transport == TransportStdio:
		out = os.Stderr
	}
	logging.InitForCLI(level, out)
}

// Services exposes the initialized services, mainly for CLI commands.
func (a *Application) Services() *Services {
	return a.services
}

// Close releases resources without running.
func (a *Application) Close() error {
	return a.services.Close()
}
