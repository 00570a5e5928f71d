package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"brokermcp/internal/autherr"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no usable brokerage token is stored.
	ExitCodeAuthRequired = 2
	// ExitCodeConfig indicates missing or invalid configuration.
	ExitCodeConfig = 3
)

// rootCmd is the base command when brokermcp is called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "brokermcp",
	Short: "MCP server brokering access to a brokerage API",
	Long: `brokermcp exposes a brokerage REST API to AI assistants as MCP tools.

It runs the OAuth 2.0 + PKCE authorization flow against the brokerage,
keeps the resulting tokens fresh and hands MCP clients their own bearer
grants, so no brokerage credential ever leaves the server.`,
	// SilenceUsage prevents Cobra from printing usage on errors handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main with
// the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a semantic exit code on
// failure. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "brokermcp version %s\n" .Version}}`)

	// SIGINT and SIGTERM cancel the command context for a graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps errors to exit codes for scripting.
func getExitCode(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case autherr.Is(err, autherr.NotAuthenticated):
		return ExitCodeAuthRequired
	case autherr.Is(err, autherr.ConfigurationMissing):
		return ExitCodeConfig
	default:
		return ExitCodeError
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "", "Configuration directory containing config.yaml (default ~/.config/brokermcp)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
