/*
Package main is the entry point for the bi-gateway CLI.

bi-gateway dispatches tool calls from BI dashboards and chat assistants to
the CRM and issue-tracker backends, with validation, caching, circuit
breaking, pooling and retries in between.

Usage:
  bi-gateway [command]

Available Commands:
  serve       Start the gateway (HTTP API or MCP server over stdio)
  invoke      Invoke a tool through the gateway
  tools       List the tool catalog
  health      Show the health of a running gateway
  memory      Inspect or clear the persisted entity memory
  config      Create or print the gateway configuration
  verify      Verify configuration and backend connections
  version     Show version information

Examples:
  # Write a starter config
  bi-gateway config init

  # Serve the HTTP API
  bi-gateway serve

  # Run as MCP server
  bi-gateway serve --mcp

Build information is injected with
  -ldflags "-X github.com/khanglvm/bi-gateway/internal/version.Version=..."
*/
package main

import (
	"fmt"
	"os"

	"github.com/khanglvm/bi-gateway/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
