package cli

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/khanglvm/bi-gateway/internal/config"
	"github.com/khanglvm/bi-gateway/internal/pool"
	"github.com/khanglvm/bi-gateway/internal/registry"
)

// NewVerifyCmd creates the 'verify' command for verifying configuration.
func NewVerifyCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify configuration and backend connections",
		Long: `Verify that the configuration is valid, that every catalog service is
configured, and (unless --offline) that each backend answers.`,
		Example: `  bi-gateway verify
  bi-gateway verify --offline`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, offline)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Skip backend connection checks")

	return cmd
}

// runVerify validates the configuration and probes each backend.
func runVerify(cmd *cobra.Command, offline bool) error {
	w := out(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Fprintf(w, "✗ %v\n", err)
		return err
	}

	source := configPath(cmd)
	if source == "" {
		source = "defaults and environment"
	}
	fmt.Fprintf(w, "✓ Config: %s\n", source)
	fmt.Fprintf(w, "✓ Services configured: %d\n", len(cfg.Services))

	reg := registry.Default()
	failed := 0

	for _, name := range reg.Services() {
		if _, ok := cfg.Services[name]; !ok {
			fmt.Fprintf(w, "✗ %s: %d catalog tools but no service configured\n", name, len(reg.ForService(name)))
			failed++
		}
	}

	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		if len(reg.ForService(name)) == 0 {
			fmt.Fprintf(w, "! %s: configured but no catalog tools use it\n", name)
		}
		if offline {
			fmt.Fprintf(w, "✓ %s: %s\n", name, describeService(svc))
			continue
		}
		if err := probeService(cmd.Context(), svc); err != nil {
			fmt.Fprintf(w, "✗ %s: %s: %v\n", name, describeService(svc), err)
			failed++
			continue
		}
		fmt.Fprintf(w, "✓ %s: %s\n", name, describeService(svc))
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func describeService(svc config.ServiceConfig) string {
	if svc.Transport == config.TransportStdio {
		return "stdio " + svc.Command
	}
	return "http " + svc.URL
}

// probeService checks that a backend can be reached: http services must
// answer /health and stdio commands must resolve on PATH.
func probeService(ctx context.Context, svc config.ServiceConfig) error {
	if svc.Transport == config.TransportStdio {
		_, err := exec.LookPath(svc.Command)
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := pool.NewHTTPDialer(svc.URL).Health(ctx)
	return err
}
