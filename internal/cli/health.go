package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/khanglvm/bi-gateway/internal/breaker"
	"github.com/khanglvm/bi-gateway/internal/metrics"
)

// NewHealthCmd creates the 'health' command, which queries a running
// gateway.
func NewHealthCmd() *cobra.Command {
	var url string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the health of a running gateway",
		Long: `Query GET /api/health on a running gateway and print circuit, pool,
cache and memory state. Exits non-zero when the gateway is degraded.`,
		Example: `  bi-gateway health
  bi-gateway health --url http://gateway.internal:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, url, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Gateway base URL (default derived from server.http_addr)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

func runHealth(cmd *cobra.Command, url string, jsonOutput bool) error {
	if url == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		url = baseURL(cfg.Server.HTTPAddr)
	}

	snap, err := fetchHealth(cmd.Context(), url)
	if err != nil {
		return err
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Fprintln(out(cmd), string(data))
	} else {
		printHealth(cmd, snap)
	}

	if snap.Status != metrics.StatusHealthy {
		return fmt.Errorf("gateway is %s", snap.Status)
	}
	return nil
}

// baseURL turns a listen address like ":8080" into a client URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func fetchHealth(ctx context.Context, url string) (*metrics.HealthSnapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	var snap metrics.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("malformed health response: %w", err)
	}
	return &snap, nil
}

func printHealth(cmd *cobra.Command, snap *metrics.HealthSnapshot) {
	w := out(cmd)
	fmt.Fprintf(w, "Status: %s\n\n", snap.Status)

	for _, name := range snap.ServiceNames() {
		svc := snap.Services[name]
		mark := "✓"
		if svc.Circuit != breaker.Closed {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s: circuit %s, %d consecutive failures, pool %d/%d in use\n",
			mark, name, svc.Circuit, svc.ConsecutiveFailures, svc.Pool.InUse, svc.Pool.Max)
	}

	fmt.Fprintf(w, "\nCache:  %d hits, %d misses (%.0f%% hit rate), %d entries\n",
		snap.Cache.Hits, snap.Cache.Misses, snap.Cache.HitRate*100, snap.Cache.Size)
	fmt.Fprintf(w, "Memory: %d entities, %d turns\n", snap.Memory.Entities, snap.Memory.Turns)
}
