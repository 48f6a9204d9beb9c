package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/khanglvm/bi-gateway/internal/gateway"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/registry"
)

// Service descriptions shown to the model in gateway_list.
var serviceDescriptions = map[string]string{
	"crm":    "CRM: accounts, contacts, opportunities, cases and activities",
	"issues": "Issue tracker: search, read and create issues",
}

// handleToolsList returns the meta-tools with descriptions built from the
// registry.
func (s *Server) handleToolsList(req *MCPRequest) (*MCPResponse, error) {
	services := s.dispatcher.Registry().Services()
	serviceList := strings.Join(services, ", ")

	tools := []map[string]interface{}{
		{
			"name": "gateway_list",
			"description": fmt.Sprintf(`List backend services and their tools.

WHEN TO USE: Call this first to see what data is reachable.

AVAILABLE SERVICES:
%s`, s.buildServiceCatalog(services)),
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"service": map[string]interface{}{
						"type":        "string",
						"description": "Only list tools of this service",
						"enum":        services,
					},
				},
			},
		},
		{
			"name": "gateway_search",
			"description": `Find tools by describing what you need, and remembered records matching the same words.

Example queries: "open opportunities", "blocked issues", "create a task"`,
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Natural language description of the task",
					},
					"service": map[string]interface{}{
						"type":        "string",
						"description": "Restrict tool results to one service",
					},
					"limit": map[string]interface{}{
						"type":        "integer",
						"description": "Maximum results per section (default 5)",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			"name": "gateway_execute",
			"description": fmt.Sprintf(`Run a tool on a backend service.

Results may come from a short-lived cache. Failures report a kind:
validation_error (fix arguments), circuit_open or transient_backend_error
(retry later), backend_logic_error (the backend rejected the request).

AVAILABLE SERVICES: %s

Example:
  gateway_execute(service="crm", tool="salesforce_query_opportunities", arguments={"limit": 5})`, serviceList),
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"service": map[string]interface{}{
						"type":        "string",
						"description": "Service name",
						"enum":        services,
					},
					"tool": map[string]interface{}{
						"type":        "string",
						"description": "Tool name (see gateway_list)",
					},
					"arguments": map[string]interface{}{
						"type":        "object",
						"description": "Tool arguments (schema in gateway_list)",
					},
				},
				"required": []string{"service", "tool"},
			},
		},
		{
			"name":        "gateway_health",
			"description": "Report gateway health: circuit state per service, pool use, cache hit rate and per-tool call statistics.",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			"name": "gateway_memory",
			"description": `Read what the gateway remembers from earlier results.

ACTIONS:
- context (default): at-risk opportunities, critical issues and recently seen records
- lookup: one record by type and id (e.g. type="Opportunity", id="006...")
- search: records matching a query`,
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"action": map[string]interface{}{
						"type": "string",
						"enum": []string{"context", "lookup", "search"},
					},
					"type":  map[string]interface{}{"type": "string"},
					"id":    map[string]interface{}{"type": "string"},
					"query": map[string]interface{}{"type": "string"},
				},
			},
		},
	}

	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": tools,
		},
	}, nil
}

// buildServiceCatalog creates a formatted list of services with descriptions.
func (s *Server) buildServiceCatalog(services []string) string {
	var b strings.Builder
	for _, name := range services {
		desc := serviceDescriptions[name]
		if desc == "" {
			desc = "backend service"
		}
		fmt.Fprintf(&b, "  • %s: %s\n", name, desc)
	}
	return b.String()
}

// execList returns the tool catalog, optionally for one service.
func (s *Server) execList(service string) (string, error) {
	reg := s.dispatcher.Registry()
	services := reg.Services()
	if service != "" {
		if len(reg.ForService(service)) == 0 {
			return "", fmt.Errorf("service '%s' not found", service)
		}
		services = []string{service}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tools (%d):\n", reg.Len())
	for _, svc := range services {
		fmt.Fprintf(&b, "\n%s:\n", svc)
		for _, d := range reg.ForService(svc) {
			marker := ""
			if d.Mutating {
				marker = " [writes]"
			}
			fmt.Fprintf(&b, "  • %s%s: %s\n", d.Name, marker, d.Description)
			if len(d.Params) > 0 {
				fmt.Fprintf(&b, "    params: %s\n", paramSummary(d.Params))
			}
		}
	}
	return b.String(), nil
}

// execSearch searches tools and remembered entities.
func (s *Server) execSearch(query, service string, limit int) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", errors.New("query is required")
	}

	var b strings.Builder
	if s.index != nil {
		hits, err := s.index.SearchTools(query, service, limit)
		if err != nil {
			return "", fmt.Errorf("search failed: %w", err)
		}
		if len(hits) == 0 {
			fmt.Fprintf(&b, "No tools match '%s'. Try gateway_list.\n", query)
		} else {
			fmt.Fprintf(&b, "Tools for '%s':\n", query)
			for _, h := range hits {
				fmt.Fprintf(&b, "  • %s/%s: %s\n", h.Service, h.Name, h.Description)
			}
		}
	}

	if s.memory != nil {
		if entities := s.memory.Search(query, "", limit); len(entities) > 0 {
			b.WriteString("\nRemembered records:\n")
			for _, e := range entities {
				fmt.Fprintf(&b, "  • %s %s: %s\n", e.Type, e.ID, e.Name())
			}
		}
	}
	return b.String(), nil
}

// execExecute invokes a tool as a chat-origin call.
func (s *Server) execExecute(ctx context.Context, service, tool string, args map[string]interface{}) (string, error) {
	res, err := s.dispatcher.Invoke(ctx, gateway.Request{
		Service: service,
		Tool:    tool,
		Args:    args,
		Origin:  gateway.OriginChat,
	})
	if err != nil {
		return "", err
	}
	return string(res.Payload), nil
}

func (s *Server) execHealth() (string, error) {
	if s.metrics == nil {
		return "", errors.New("metrics unavailable")
	}
	data, err := json.MarshalIndent(s.metrics.Snapshot(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) execMemory(args map[string]interface{}) (string, error) {
	if s.memory == nil {
		return "", errors.New("memory unavailable")
	}
	action, _ := args["action"].(string)
	typ, _ := args["type"].(string)

	switch action {
	case "", "context":
		summary := s.memory.ContextSummary(10)
		if summary == "" {
			return "Nothing remembered yet.", nil
		}
		return summary, nil

	case "lookup":
		id, _ := args["id"].(string)
		e, ok := s.memory.Lookup(typ, id)
		if !ok {
			return "", fmt.Errorf("no %s with id '%s' in memory", typ, id)
		}
		return marshalIndent(e)

	case "search":
		query, _ := args["query"].(string)
		if query == "" {
			return "", errors.New("query is required for search")
		}
		entities := s.memory.Search(query, typ, intArg(args, "limit", 10))
		if entities == nil {
			entities = []memory.Entity{}
		}
		return marshalIndent(entities)

	default:
		return "", fmt.Errorf("unknown action '%s'", action)
	}
}

func marshalIndent(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// paramSummary renders parameters as "name (type, required), ...".
func paramSummary(params map[string]registry.ParamSpec) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		p := params[name]
		if p.Required {
			parts = append(parts, fmt.Sprintf("%s (%s, required)", name, p.Type))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", name, p.Type))
		}
	}
	return strings.Join(parts, ", ")
}
