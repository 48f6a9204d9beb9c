package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/khanglvm/bi-gateway/internal/app"
	"github.com/khanglvm/bi-gateway/internal/config"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/pool"
)

const opportunities = `{"records":[{"attributes":{"type":"Opportunity"},"Id":"006000000000001AAA","Name":"Acme Renewal","Implementation_Status__c":"At Risk"}]}`

func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()

	crm := pool.LocalDialer{Fn: func(_ context.Context, tool string, _ map[string]interface{}) (json.RawMessage, error) {
		if tool == "salesforce_query" {
			return nil, &pool.RemoteError{Code: pool.CodeToolError, Message: "MALFORMED_QUERY"}
		}
		return json.RawMessage(opportunities), nil
	}}
	issues := pool.LocalDialer{Fn: func(_ context.Context, _ string, _ map[string]interface{}) (json.RawMessage, error) {
		return json.RawMessage(`{"issues":[]}`), nil
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), config.Default(), app.Options{
		Logger:        logger,
		Dialers:       map[string]pool.Dialer{"crm": crm, "issues": issues},
		NoPersistence: true,
	})
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	s := NewServer(Options{
		Dispatcher: a.Dispatcher,
		Metrics:    a.Metrics,
		Memory:     a.Memory,
		Index:      a.Index,
		Logger:     logger,
	})
	return s, a
}

// callTool sends a tools/call request and returns the text content.
func callTool(t *testing.T, s *Server, name string, args map[string]interface{}) (string, bool, *MCPError) {
	t.Helper()
	params, _ := json.Marshal(map[string]interface{}{"name": name, "arguments": args})
	resp, err := s.handleToolsCall(context.Background(), &MCPRequest{JSONRPC: "2.0", ID: 7, Method: "tools/call", Params: params})
	if err != nil {
		t.Fatalf("handleToolsCall failed: %v", err)
	}
	if resp.ID != 7 {
		t.Errorf("expected ID 7, got %v", resp.ID)
	}
	if resp.Error != nil {
		return "", false, resp.Error
	}

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]map[string]interface{})
	isError, _ := result["isError"].(bool)
	return content[0]["text"].(string), isError, nil
}

// TestHandleToolsList tests tools/list RPC handler
func TestHandleToolsList(t *testing.T) {
	s, _ := newTestServer(t)

	req := MCPRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"}
	resp, err := s.handleToolsList(&req)
	if err != nil {
		t.Fatalf("handleToolsList failed: %v", err)
	}

	// Validate JSON-RPC 2.0 protocol compliance
	if resp.JSONRPC != "2.0" {
		t.Errorf("expected JSONRPC 2.0, got %s", resp.JSONRPC)
	}
	if resp.ID != req.ID {
		t.Errorf("expected ID %v, got %v", req.ID, resp.ID)
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatal("result is not a map")
	}
	tools, ok := resultMap["tools"].([]map[string]interface{})
	if !ok {
		t.Fatal("tools is not an array")
	}

	byName := make(map[string]map[string]interface{})
	for _, tool := range tools {
		byName[tool["name"].(string)] = tool
	}
	for _, expected := range []string{"gateway_list", "gateway_search", "gateway_execute", "gateway_health", "gateway_memory"} {
		if byName[expected] == nil {
			t.Errorf("missing expected tool: %s", expected)
		}
	}

	schema := byName["gateway_execute"]["inputSchema"].(map[string]interface{})
	props := schema["properties"].(map[string]interface{})
	enum := props["service"].(map[string]interface{})["enum"].([]string)
	if strings.Join(enum, ",") != "crm,issues" {
		t.Errorf("expected service enum [crm issues], got %v", enum)
	}

	desc := byName["gateway_list"]["description"].(string)
	if !strings.Contains(desc, "crm: CRM") {
		t.Errorf("gateway_list description should carry the service catalog, got: %s", desc)
	}
}

func TestGatewayExecute(t *testing.T) {
	s, a := newTestServer(t)

	text, isError, rpcErr := callTool(t, s, "gateway_execute", map[string]interface{}{
		"service":   "crm",
		"tool":      "salesforce_query_opportunities",
		"arguments": map[string]interface{}{"limit": 5},
	})
	if rpcErr != nil || isError {
		t.Fatalf("unexpected failure: %v %s", rpcErr, text)
	}
	if !strings.Contains(text, "Acme Renewal") {
		t.Errorf("expected payload, got %s", text)
	}

	// Chat-origin calls land in the conversation log.
	turns := a.Memory.RecentConversation(0)
	if len(turns) != 1 || turns[0].Role != memory.RoleAssistant {
		t.Fatalf("expected one assistant turn, got %+v", turns)
	}
	if !strings.HasPrefix(turns[0].Content, "[crm.salesforce_query_opportunities]") {
		t.Errorf("unexpected turn content: %s", turns[0].Content)
	}
}

func TestGatewayExecuteErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		args map[string]interface{}
		kind string
	}{
		{
			name: "unknown tool",
			args: map[string]interface{}{"service": "crm", "tool": "nope"},
			kind: "unknown_tool",
		},
		{
			name: "validation",
			args: map[string]interface{}{"service": "crm", "tool": "salesforce_query_accounts", "arguments": map[string]interface{}{"limit": "ten"}},
			kind: "validation_error",
		},
		{
			name: "backend logic error",
			args: map[string]interface{}{"service": "crm", "tool": "salesforce_query", "arguments": map[string]interface{}{"query": "SELEC"}},
			kind: "backend_logic_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isError, rpcErr := callTool(t, s, "gateway_execute", tt.args)
			if rpcErr != nil {
				t.Fatalf("gateway errors should be tool results, got rpc error %v", rpcErr)
			}
			if !isError {
				t.Fatalf("expected isError, got %s", text)
			}
			var body struct {
				Kind string `json:"kind"`
			}
			if err := json.Unmarshal([]byte(text), &body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if body.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, body.Kind)
			}
		})
	}
}

func TestGatewayListAndSearch(t *testing.T) {
	s, _ := newTestServer(t)

	text, _, rpcErr := callTool(t, s, "gateway_list", map[string]interface{}{"service": "issues"})
	if rpcErr != nil {
		t.Fatalf("gateway_list failed: %v", rpcErr)
	}
	if !strings.Contains(text, "jira_create_issue [writes]") {
		t.Errorf("mutating tools should be marked, got: %s", text)
	}
	if strings.Contains(text, "salesforce_query") {
		t.Errorf("service filter not applied: %s", text)
	}
	if !strings.Contains(text, "project_key (string, required)") {
		t.Errorf("params should be listed, got: %s", text)
	}

	if _, _, rpcErr := callTool(t, s, "gateway_list", map[string]interface{}{"service": "billing"}); rpcErr == nil {
		t.Error("expected error for unknown service")
	}

	// Populate memory so search also returns records.
	callTool(t, s, "gateway_execute", map[string]interface{}{"service": "crm", "tool": "salesforce_query_opportunities"})

	text, _, rpcErr = callTool(t, s, "gateway_search", map[string]interface{}{"query": "acme opportunities"})
	if rpcErr != nil {
		t.Fatalf("gateway_search failed: %v", rpcErr)
	}
	if !strings.Contains(text, "crm/salesforce_query_opportunities") {
		t.Errorf("expected tool hit, got: %s", text)
	}
	if !strings.Contains(text, "Opportunity 006000000000001AAA: Acme Renewal") {
		t.Errorf("expected remembered record, got: %s", text)
	}

	if _, _, rpcErr := callTool(t, s, "gateway_search", map[string]interface{}{}); rpcErr == nil {
		t.Error("expected error for empty query")
	}
}

func TestGatewayHealthAndMemory(t *testing.T) {
	s, _ := newTestServer(t)

	text, _, _ := callTool(t, s, "gateway_memory", nil)
	if text != "Nothing remembered yet." {
		t.Errorf("unexpected empty memory text: %q", text)
	}

	callTool(t, s, "gateway_execute", map[string]interface{}{"service": "crm", "tool": "salesforce_query_opportunities"})

	text, _, rpcErr := callTool(t, s, "gateway_health", nil)
	if rpcErr != nil {
		t.Fatalf("gateway_health failed: %v", rpcErr)
	}
	var health struct {
		Status string `json:"status"`
		Memory struct {
			Entities int `json:"entities"`
		} `json:"memory"`
	}
	if err := json.Unmarshal([]byte(text), &health); err != nil {
		t.Fatalf("health is not JSON: %v", err)
	}
	if health.Status != "healthy" || health.Memory.Entities != 1 {
		t.Errorf("unexpected health: %+v", health)
	}

	text, _, _ = callTool(t, s, "gateway_memory", map[string]interface{}{"action": "context"})
	if !strings.Contains(text, "AT-RISK OPPORTUNITIES") {
		t.Errorf("expected at-risk section, got: %s", text)
	}

	text, _, rpcErr = callTool(t, s, "gateway_memory", map[string]interface{}{"action": "lookup", "type": "Opportunity", "id": "006000000000001AAA"})
	if rpcErr != nil || !strings.Contains(text, `"source": "salesforce_query_opportunities"`) {
		t.Errorf("lookup failed: %v %s", rpcErr, text)
	}

	if _, _, rpcErr := callTool(t, s, "gateway_memory", map[string]interface{}{"action": "lookup", "type": "Case", "id": "x"}); rpcErr == nil {
		t.Error("expected error for missing entity")
	}

	text, _, _ = callTool(t, s, "gateway_memory", map[string]interface{}{"action": "search", "query": "renewal"})
	if !strings.Contains(text, "006000000000001AAA") {
		t.Errorf("search failed: %s", text)
	}

	if _, _, rpcErr := callTool(t, s, "gateway_memory", map[string]interface{}{"action": "forget"}); rpcErr == nil {
		t.Error("expected error for unknown action")
	}
}

func TestJSONRPCErrorHandling(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name     string
		input    string
		wantCode int
		wantNil  bool
	}{
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, codeMethodNotFound, false},
		{"unknown meta-tool", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"gateway_drop_tables"}}`, codeInvalidParams, false},
		{"bad params", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":"nope"}`, codeInvalidParams, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := s.handleRequest(context.Background(), []byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if resp != nil {
					t.Errorf("expected no response, got %+v", resp)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("expected error code %d, got %+v", tt.wantCode, resp.Error)
			}
		})
	}

	if _, err := s.handleRequest(context.Background(), []byte(`{not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestRunOverStdio(t *testing.T) {
	s, _ := newTestServer(t)

	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`{broken`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"gateway_execute","arguments":{"service":"issues","tool":"jira_search_issues"}}}`,
	}, "\n"))
	var out bytes.Buffer

	if err := s.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d: %s", len(lines), out.String())
	}

	var init MCPResponse
	if err := json.Unmarshal([]byte(lines[0]), &init); err != nil {
		t.Fatalf("bad initialize response: %v", err)
	}
	info := init.Result.(map[string]interface{})["serverInfo"].(map[string]interface{})
	if info["name"] != "bi-gateway" {
		t.Errorf("unexpected server name: %v", info["name"])
	}

	var parseErr MCPResponse
	json.Unmarshal([]byte(lines[1]), &parseErr)
	if parseErr.Error == nil || parseErr.Error.Code != codeParseError {
		t.Errorf("expected parse error, got %s", lines[1])
	}

	if !strings.Contains(lines[2], `{\"issues\":[]}`) {
		t.Errorf("unexpected call response: %s", lines[2])
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, pr, io.Discard) }()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean stop, got %v", err)
	}
}

func TestConcurrentToolCalls(t *testing.T) {
	s, a := newTestServer(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			params := []byte(`{"name":"gateway_execute","arguments":{"service":"crm","tool":"salesforce_query_opportunities"}}`)
			resp, err := s.handleToolsCall(context.Background(), &MCPRequest{JSONRPC: "2.0", ID: 1, Params: params})
			if err != nil {
				errs <- err
				return
			}
			if resp.Error != nil {
				errs <- errors.New(resp.Error.Message)
				return
			}
			if isErr, _ := resp.Result.(map[string]interface{})["isError"].(bool); isErr {
				errs <- errors.New("tool call reported an error")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if got := a.Memory.Stats().Entities; got != 1 {
		t.Errorf("expected 1 remembered entity, got %d", got)
	}
}
