package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"brokermcp/internal/app"
	"brokermcp/internal/autherr"
	"brokermcp/internal/config"
	"brokermcp/internal/oauth"
	"brokermcp/internal/tokenstore"
)

var (
	authUserID   string
	authClientID string
	authJSON     bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Inspect and clear stored brokerage tokens",
	Long: `Inspect and clear the brokerage tokens stored by brokermcp.

In keyed token mode every MCP user and client has its own record; select
it with --user and --client. In single mode these flags are ignored.

Examples:
  brokermcp auth status                          # Show the stored token
  brokermcp auth status --user corr-1 --client x # Keyed mode record
  brokermcp auth status --json                   # Machine readable output
  brokermcp auth logout                          # Delete the stored token`,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the stored brokerage token",
	Long: `Loads the stored brokerage token and shows its state, expiry and refresh
activity. Token values are never printed.

Exits with code 2 when no usable token is stored.`,
	Args: cobra.NoArgs,
	RunE: runAuthStatus,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored brokerage token",
	Long: `Deletes the stored brokerage token. The next tool call will ask the MCP
client to run the authorization flow again.`,
	Args: cobra.NoArgs,
	RunE: runAuthLogout,
}

// openServices loads configuration and builds the services without
// serving.
func openServices(ctx context.Context) (*app.Application, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg := app.NewConfig(debug, path, app.TransportHTTP)
	cfg.Silent = !debug
	cfg.Version = GetVersion()
	return app.NewApplication(ctx, cfg)
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultConfigPath()
}

func selectedIdentity() tokenstore.Identity {
	return tokenstore.Identity{UserID: authUserID, ClientID: authClientID}
}

func runAuthStatus(cmd *cobra.Command, _ []string) error {
	application, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Close()

	m := application.Services().Manager(cmd.Context(), selectedIdentity())
	d := m.Diagnostics()

	out := cmd.OutOrStdout()
	if authJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
	} else {
		renderStatus(out, d)
	}

	if d.State != oauth.StateNameValid && d.State != oauth.StateNameExpired {
		return autherr.New(autherr.NotAuthenticated, "no usable brokerage token is stored")
	}
	return nil
}

func renderStatus(out io.Writer, d oauth.Diagnostics) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("FIELD"), text.FgHiCyan.Sprint("VALUE")})

	t.AppendRow(table.Row{"State", colorState(d.State)})
	t.AppendRow(table.Row{"Access token", presence(d.HasAccessToken)})
	t.AppendRow(table.Row{"Refresh token", presence(d.HasRefreshToken)})
	if d.ExpiresInSeconds != nil {
		t.AppendRow(table.Row{"Expires", formatExpiry(time.Duration(*d.ExpiresInSeconds) * time.Second)})
	}
	if d.LastReconnectAttempt != nil {
		t.AppendRow(table.Row{"Last reconnect", d.LastReconnectAttempt.Format(time.RFC3339)})
	}
	t.AppendRow(table.Row{"Refreshes", fmt.Sprintf("%d attempted, %d succeeded, %d failed",
		d.Refresh.Attempts, d.Refresh.Successes, d.Refresh.Failures)})
	if d.LastError != "" {
		t.AppendRow(table.Row{"Last error", text.FgRed.Sprint(d.LastError)})
	}
	t.Render()
}

func colorState(state string) string {
	switch state {
	case oauth.StateNameValid:
		return text.FgGreen.Sprint(state)
	case oauth.StateNameExpired, oauth.StateNameRefreshing:
		return text.FgYellow.Sprint(state)
	case oauth.StateNameError:
		return text.FgRed.Sprint(state)
	default:
		return state
	}
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "absent"
}

func formatExpiry(d time.Duration) string {
	if d < 0 {
		return fmt.Sprintf("expired %s ago", (-d).Round(time.Second))
	}
	return fmt.Sprintf("in %s", d.Round(time.Second))
}

func runAuthLogout(cmd *cobra.Command, _ []string) error {
	application, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Close()

	m := application.Services().Managers.Manager(selectedIdentity())
	if err := m.Logout(cmd.Context()); err != nil {
		return fmt.Errorf("failed to delete stored token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Stored brokerage token deleted.")
	return nil
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authStatusCmd, authLogoutCmd)

	authCmd.PersistentFlags().StringVar(&authUserID, "user", "", "Upstream user (correlation) id of the record, keyed mode only")
	authCmd.PersistentFlags().StringVar(&authClientID, "client", "", "MCP client id of the record, keyed mode only")
	authStatusCmd.Flags().BoolVar(&authJSON, "json", false, "Print the status as JSON")
}
