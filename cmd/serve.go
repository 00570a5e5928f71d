package cmd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"brokermcp/internal/app"
	"brokermcp/pkg/logging"
)

var (
	// configPath is the configuration directory shared by all commands.
	configPath string

	// debug enables verbose logging across the application.
	debug bool

	// serveTransport selects how MCP is served: http, or stdio next to the
	// HTTP authorization endpoints.
	serveTransport string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the brokermcp server",
	Long: `Starts the HTTP server with the authorization endpoints (/authorize,
/callback, /token) and the bearer protected MCP endpoint (/mcp).

With --transport stdio the MCP tools are additionally served on stdin and
stdout for a single local client; the HTTP server keeps running because the
brokerage redirects the browser to its callback endpoint.

Configuration is read from config.yaml in --config-path and overridden by
BROKERMCP_* environment variables. Secrets such as the signing secret and the
OAuth client secret are best passed through the environment.

When started by systemd with Type=notify, readiness is signalled once the
listener is bound.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	switch serveTransport {
	case app.TransportHTTP, app.TransportStdio:
	default:
		return fmt.Errorf("unsupported transport %q (supported: %s, %s)", serveTransport, app.TransportHTTP, app.TransportStdio)
	}

	path, err := resolveConfigPath()
	if err != nil {
		return err
	}

	cfg := app.NewConfig(debug, path, serveTransport)
	cfg.Version = GetVersion()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run(ctx, notifyReady)
}

// notifyReady tells systemd the service is up. Outside systemd it is a
// no-op.
func notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	switch {
	case err != nil:
		logging.Warn("CLI", "Failed to notify systemd: %v", err)
	case sent:
		logging.Debug("CLI", "Notified systemd of readiness")
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveTransport, "transport", app.TransportHTTP, "MCP transport: http or stdio")
}
