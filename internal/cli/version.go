package cli

import (
	"encoding/json"
	"fmt"

	"github.com/khanglvm/bi-gateway/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd creates the 'version' command
func NewVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the current version, commit hash, and build date.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

func runVersion(cmd *cobra.Command, jsonOutput bool) error {
	info := version.Get()
	if jsonOutput {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), string(data))
		return nil
	}
	fmt.Fprintf(out(cmd), "Version:  %s\n", info.Version)
	fmt.Fprintf(out(cmd), "Commit:   %s\n", info.Commit)
	fmt.Fprintf(out(cmd), "Built:    %s\n", info.Date)
	return nil
}
