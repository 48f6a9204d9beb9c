package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khanglvm/bi-gateway/internal/config"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/storage"
)

// NewMemoryCmd creates the 'memory' command group for the persisted entity
// memory.
func NewMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect or clear the persisted entity memory",
		Long: `Work with the entity memory database (memory.path) directly. Stop the
gateway first; a running gateway flushes its own copy over any change made
here.`,
	}

	cmd.AddCommand(newMemoryShowCmd())
	cmd.AddCommand(newMemoryClearCmd())
	return cmd
}

func newMemoryShowCmd() *cobra.Command {
	var jsonOutput bool
	var entityType string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show remembered records and the session summary",
		Example: `  bi-gateway memory show
  bi-gateway memory show --type opportunity
  bi-gateway memory show --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryShow(cmd, entityType, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&entityType, "type", "t", "", "Only list entities of this type")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output the raw snapshot as JSON")
	return cmd
}

func newMemoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget every remembered record and conversation turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryClear(cmd)
		},
	}
}

// openStorage opens the memory database named by the configuration.
func openStorage(cmd *cobra.Command) (*config.Config, *storage.SQLiteStorage, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStorage(cfg.Memory.Path, newLogger(cfg))
	if err := store.Init(); err != nil {
		return nil, nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	if !store.Enabled() {
		return nil, nil, fmt.Errorf("memory database %s is not available", store.Path())
	}
	return cfg, store, nil
}

func runMemoryShow(cmd *cobra.Command, entityType string, jsonOutput bool) error {
	cfg, store, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load memory: %w", err)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), string(data))
		return nil
	}

	mem := memory.New(memory.Options{
		MaxEntities: cfg.Memory.MaxEntities,
		MaxTurns:    cfg.Memory.MaxTurns,
	})
	mem.Import(snap)

	stats := mem.Stats()
	w := out(cmd)
	fmt.Fprintf(w, "Memory database: %s\n", store.Path())
	fmt.Fprintf(w, "Entities: %d, turns: %d\n\n", stats.Entities, stats.Turns)

	entities := mem.Entities(entityType)
	if len(entities) == 0 {
		fmt.Fprintln(w, "No records remembered.")
	}
	for _, e := range entities {
		fmt.Fprintf(w, "  %s %s: %s\n", e.Type, e.ID, e.Name())
	}

	if summary := mem.ContextSummary(0); summary != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, summary)
	}
	return nil
}

func runMemoryClear(cmd *cobra.Command) error {
	_, store, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Save(context.Background(), &memory.Snapshot{}); err != nil {
		return fmt.Errorf("failed to clear memory: %w", err)
	}
	fmt.Fprintf(out(cmd), "✓ Cleared %s\n", store.Path())
	return nil
}
