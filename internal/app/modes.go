package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"brokermcp/pkg/logging"
)

// Run serves until ctx is cancelled or a component fails. ready, when
// non-nil, is called once the HTTP listener is bound.
func (a *Application) Run(ctx context.Context, ready func()) error {
	defer func() {
		if err := a.services.Close(); err != nil {
			logging.Warn("Bootstrap", "Failed to close services: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if a.services.FileKV != nil && a.services.Settings.Store.File.Watch {
		if err := a.services.FileKV.Watch(ctx, func(key string) {
			a.services.HandleStoreChange(ctx, key)
		}); err != nil {
			return fmt.Errorf("failed to watch token directory: %w", err)
		}
		logging.Info("Bootstrap", "Watching %s for token changes from other processes", a.services.FileKV.Dir())
	}

	g.Go(func() error {
		return a.services.Server.ListenAndServe(ctx, ready)
	})

	if a.config.Transport == TransportStdio {
		// The process ends with the stdio session.
		g.Go(func() error {
			defer cancel()
			return runStdio(ctx, a.services.Tools.MCPServer(), os.Stdin, os.Stdout)
		})
	}

	return g.Wait()
}

// runStdio serves MCP on in/out until ctx is done or in is closed.
func runStdio(ctx context.Context, s *mcpserver.MCPServer, in io.Reader, out io.Writer) error {
	logging.Info("CLI", "Serving MCP on stdio")
	err := mcpserver.NewStdioServer(s).Listen(ctx, in, out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("stdio server failed: %w", err)
}
