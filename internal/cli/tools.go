package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/khanglvm/bi-gateway/internal/config"
	"github.com/khanglvm/bi-gateway/internal/pool"
	"github.com/khanglvm/bi-gateway/internal/registry"
	"github.com/khanglvm/bi-gateway/internal/version"
)

// NewToolsCmd creates the 'tools' command for listing the tool catalog.
func NewToolsCmd() *cobra.Command {
	var service string
	var jsonOutput bool
	var showStatus bool

	cmd := &cobra.Command{
		Use:     "tools",
		Aliases: []string{"ls"},
		Short:   "List the tool catalog",
		Long:    `Display every tool the gateway can dispatch, grouped by service.`,
		Example: `  bi-gateway tools
  bi-gateway tools --service issues
  bi-gateway tools --status  # ask each backend which tools it serves
  bi-gateway tools --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, service, jsonOutput, showStatus)
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "Only list tools of this service")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	cmd.Flags().BoolVar(&showStatus, "status", false, "Query backends and compare their tool lists")

	return cmd
}

func runTools(cmd *cobra.Command, service string, jsonOutput, showStatus bool) error {
	reg := registry.Default()

	services := reg.Services()
	if service != "" {
		if len(reg.ForService(service)) == 0 {
			return fmt.Errorf("unknown service %q (known: %s)", service, strings.Join(services, ", "))
		}
		services = []string{service}
	}

	if jsonOutput {
		type toolJSON struct {
			Service     string                 `json:"service"`
			Name        string                 `json:"name"`
			Description string                 `json:"description"`
			Mutating    bool                   `json:"mutating,omitempty"`
			InputSchema map[string]interface{} `json:"input_schema"`
		}
		var tools []toolJSON
		for _, svc := range services {
			for _, d := range reg.ForService(svc) {
				tools = append(tools, toolJSON{
					Service:     d.Service,
					Name:        d.Name,
					Description: d.Description,
					Mutating:    d.Mutating,
					InputSchema: registry.JSONSchema(d),
				})
			}
		}
		data, err := json.MarshalIndent(tools, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), string(data))
		return nil
	}

	var cfg *config.Config
	if showStatus {
		var err error
		if cfg, err = loadConfig(cmd); err != nil {
			return err
		}
	}

	for _, svc := range services {
		tools := reg.ForService(svc)
		fmt.Fprintf(out(cmd), "%s (%d tools)\n", svc, len(tools))

		if showStatus {
			printBackendStatus(cmd, cfg, svc, tools)
		}

		for _, d := range tools {
			marker := ""
			if d.Mutating {
				marker = " [writes]"
			}
			fmt.Fprintf(out(cmd), "  %s%s\n", d.Name, marker)
			fmt.Fprintf(out(cmd), "    %s\n", d.Description)
		}
		fmt.Fprintln(out(cmd))
	}
	return nil
}

// printBackendStatus compares the catalog with what the backend reports.
func printBackendStatus(cmd *cobra.Command, cfg *config.Config, service string, tools []registry.ToolDescriptor) {
	svc, ok := cfg.Services[service]
	if !ok {
		fmt.Fprintf(out(cmd), "  Status:  ✗ not configured\n")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remote, err := backendTools(ctx, svc)
	if err != nil {
		fmt.Fprintf(out(cmd), "  Status:  ✗ %s\n", err.Error())
		return
	}

	served := make(map[string]bool, len(remote))
	for _, t := range remote {
		served[t.Name] = true
	}
	var missing []string
	for _, d := range tools {
		if !served[d.Name] {
			missing = append(missing, d.Name)
		}
	}
	sort.Strings(missing)

	if len(missing) == 0 {
		fmt.Fprintf(out(cmd), "  Status:  ✓ backend serves %d tools\n", len(remote))
	} else {
		fmt.Fprintf(out(cmd), "  Status:  ✗ backend is missing %s\n", strings.Join(missing, ", "))
	}
}

// backendTools asks a configured backend for its tool list.
func backendTools(ctx context.Context, svc config.ServiceConfig) ([]pool.Tool, error) {
	switch svc.Transport {
	case config.TransportStdio:
		d := &pool.StdioDialer{
			Command:       svc.Command,
			Args:          svc.Args,
			Env:           svc.Env,
			ClientName:    "bi-gateway",
			ClientVersion: version.Version,
		}
		ch, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		proc := ch.(*pool.Process)
		defer proc.Close()
		return proc.ListTools(ctx)
	default:
		return pool.NewHTTPDialer(svc.URL).ListTools(ctx)
	}
}
