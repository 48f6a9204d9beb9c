package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khanglvm/bi-gateway/internal/app"
	"github.com/khanglvm/bi-gateway/internal/gateway"
)

// NewInvokeCmd creates the 'invoke' command for one-off tool calls.
func NewInvokeCmd() *cobra.Command {
	var argsJSON string
	var jsonOutput bool
	var chat bool

	cmd := &cobra.Command{
		Use:   "invoke <service> <tool>",
		Short: "Invoke a tool through the gateway",
		Long: `Invoke one tool through the full gateway pipeline (validation, cache,
circuit breaker, pool and retry) and print the result.`,
		Example: `  bi-gateway invoke crm salesforce_query_opportunities --args '{"limit": 5}'
  bi-gateway invoke issues jira_get_issue --args '{"issue_key": "OPS-12"}' --json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd, args[0], args[1], argsJSON, jsonOutput, chat)
		},
	}

	cmd.Flags().StringVarP(&argsJSON, "args", "a", "{}", "Tool arguments as a JSON object")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Print the full result envelope as JSON")
	cmd.Flags().BoolVar(&chat, "chat", false, "Record the call in the conversation log")

	return cmd
}

func runInvoke(cmd *cobra.Command, service, tool, argsJSON string, jsonOutput, chat bool) error {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	gw, err := openApp(ctx, cmd, app.Options{})
	if err != nil {
		return err
	}
	defer gw.Close()

	origin := gateway.OriginDirect
	if chat {
		origin = gateway.OriginChat
	}
	res, err := gw.Dispatcher.Invoke(ctx, gateway.Request{Service: service, Tool: tool, Args: args, Origin: origin})
	if err != nil {
		var gerr *gateway.Error
		if errors.As(err, &gerr) && jsonOutput {
			data, _ := json.MarshalIndent(gerr, "", "  ")
			fmt.Fprintln(out(cmd), string(data))
		}
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(out(cmd), string(data))
		return nil
	}

	var pretty interface{}
	if err := json.Unmarshal(res.Payload, &pretty); err == nil {
		data, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintln(out(cmd), string(data))
	} else {
		fmt.Fprintln(out(cmd), res.Text)
	}
	if res.Cached {
		fmt.Fprintln(cmd.ErrOrStderr(), "(cached)")
	}
	return nil
}
