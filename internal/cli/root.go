/*
Package cli implements the bi-gateway command line.

Commands share a persistent --config flag; without it the loader falls back
to BIGW_CONFIG_FILE and then ~/.bi-gateway.yaml.
*/
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/khanglvm/bi-gateway/internal/app"
	"github.com/khanglvm/bi-gateway/internal/config"
	"github.com/khanglvm/bi-gateway/internal/version"
)

// NewRootCmd creates the bi-gateway root command with every subcommand
// attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bi-gateway",
		Short: "Tool-execution gateway for BI dashboards",
		Long: `bi-gateway sits between BI dashboards or chat assistants and the
backend services that own CRM and issue-tracker data.

Every call goes through one pipeline: catalog lookup, argument validation,
response cache, per-service circuit breaker, bounded connection pool and
retry with backoff. Records seen in results are remembered so later
questions can refer back to them.`,
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default $BIGW_CONFIG_FILE or ~/.bi-gateway.yaml)")

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewInvokeCmd())
	rootCmd.AddCommand(NewToolsCmd())
	rootCmd.AddCommand(NewHealthCmd())
	rootCmd.AddCommand(NewMemoryCmd())
	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewVerifyCmd())
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

// configPath returns the --config value, or "" when the command runs
// without the root.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flags().Lookup("config"); f != nil {
		return f.Value.String()
	}
	return ""
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger logs to stderr so stdout stays free for command output and the
// MCP stream.
func newLogger(cfg *config.Config) *slog.Logger {
	return app.NewLogger(cfg.Log, os.Stderr)
}

// openApp loads configuration and assembles the gateway.
func openApp(ctx context.Context, cmd *cobra.Command, opts app.Options) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = newLogger(cfg)
	}
	return app.New(ctx, cfg, opts)
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
