package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/khanglvm/bi-gateway/internal/api"
	"github.com/khanglvm/bi-gateway/internal/app"
	"github.com/khanglvm/bi-gateway/internal/mcp"
	"github.com/khanglvm/bi-gateway/internal/telemetry"
	"github.com/khanglvm/bi-gateway/internal/version"
)

// NewServeCmd creates the 'serve' command.
//
// By default it serves the HTTP API; --mcp switches to the MCP stdio
// transport with the gateway_* meta-tools.
func NewServeCmd() *cobra.Command {
	var useMCP bool
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (HTTP API or MCP server over stdio)",
		Long: `Start the bi-gateway.

Without flags the HTTP API is served on server.http_addr:
  POST /api/call-tool        invoke a tool
  GET  /api/tools            list the tool catalog
  GET  /api/health           circuit, pool, cache and memory health
  GET  /api/memory/status    remembered records and session context
  GET  /metrics              Prometheus metrics

With --mcp the gateway speaks MCP on stdio and exposes five meta-tools:
  • gateway_list     - List services and their tools
  • gateway_search   - Find tools and remembered records
  • gateway_execute  - Invoke a tool
  • gateway_health   - Gateway health snapshot
  • gateway_memory   - Session context and record lookup`,
		Example: `  # HTTP API on the configured address
  bi-gateway serve

  # Override the listen address
  bi-gateway serve --addr :9090

  # Register with an MCP client
  claude mcp add bi-gateway -- bi-gateway serve --mcp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, useMCP, addr)
		},
	}

	cmd.Flags().BoolVar(&useMCP, "mcp", false, "Serve MCP over stdio instead of HTTP")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.http_addr)")

	return cmd
}

// runServe starts the gateway and shuts it down on SIGINT/SIGTERM/SIGQUIT.
func runServe(cmd *cobra.Command, useMCP bool, addr string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	shutdownTracing, err := telemetry.Init(telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		ServiceVersion: version.Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	gw, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		if useMCP {
			server := mcp.NewServer(mcp.Options{
				Dispatcher: gw.Dispatcher,
				Metrics:    gw.Metrics,
				Memory:     gw.Memory,
				Index:      gw.Index,
				Logger:     logger,
			})
			errChan <- server.Run(ctx, os.Stdin, os.Stdout)
			return
		}

		listen := addr
		if listen == "" {
			listen = cfg.Server.HTTPAddr
		}
		router := api.NewRouter(api.Deps{
			Dispatcher: gw.Dispatcher,
			Metrics:    gw.Metrics,
			Memory:     gw.Memory,
			Cache:      gw.Cache,
			Index:      gw.Index,
			Logger:     logger,
		})
		errChan <- api.Serve(ctx, listen, router, logger)
	}()

	// Wait for either signal or server exit
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down gracefully")
		// The server observes ctx too; give it a moment to drain.
		select {
		case runErr = <-errChan:
		case <-time.After(15 * time.Second):
			logger.Warn("server did not stop in time")
		}
	case runErr = <-errChan:
		// stdin closed (MCP) or the listener failed (HTTP)
	}

	if closeErr := gw.Close(); closeErr != nil {
		logger.Error("error during cleanup", "error", closeErr)
	}
	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	logger.Info("shutdown complete")
	return nil
}
