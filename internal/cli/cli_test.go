package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

const opportunities = `{"records":[{"attributes":{"type":"Opportunity"},"Id":"006000000000001AAA","Name":"Acme Renewal","Implementation_Status__c":"At Risk"}]}`

// newBackend serves the http backend protocol for every catalog tool.
func newBackend(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tools": []map[string]string{{"name": "salesforce_query_opportunities"}},
		})
	})
	mux.HandleFunc("/mcp/call", func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		var req struct {
			ID int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID,
			"result": map[string]interface{}{"content": []map[string]string{{"type": "text", "text": opportunities}}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a config pointing both services at url and returns
// its path. HOME is redirected so nothing touches the real home directory.
func writeConfig(t *testing.T, url string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	content := fmt.Sprintf(`log:
  level: error
memory:
  path: %s
services:
  crm:
    transport: http
    url: %s
  issues:
    transport: http
    url: %s
`, filepath.Join(dir, "memory.db"), url, url)

	path := filepath.Join(dir, "bi-gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// run executes the root command and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	cmd.SetArgs(args)

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := cmd.Execute()
	return buf.String(), err
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd()

	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("Root command missing --config flag")
	}

	want := []string{"serve", "invoke", "tools", "health", "memory", "config", "verify", "version"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Root command missing subcommand %q", name)
		}
	}
}

func TestInvokeAndMemoryShow(t *testing.T) {
	var calls atomic.Int64
	backend := newBackend(t, &calls)
	cfgPath := writeConfig(t, backend.URL)

	output, err := run(t, "--config", cfgPath, "invoke", "crm", "salesforce_query_opportunities", "--args", `{"limit": 5}`)
	if err != nil {
		t.Fatalf("invoke failed: %v\n%s", err, output)
	}
	if !strings.Contains(output, "Acme Renewal") {
		t.Errorf("Expected payload in output, got: %s", output)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 backend call, got %d", calls.Load())
	}

	// The flush on shutdown made the record visible to a new process.
	output, err = run(t, "--config", cfgPath, "memory", "show")
	if err != nil {
		t.Fatalf("memory show failed: %v", err)
	}
	for _, expected := range []string{"Entities: 1", "Opportunity 006000000000001AAA: Acme Renewal", "AT-RISK OPPORTUNITIES"} {
		if !strings.Contains(output, expected) {
			t.Errorf("memory show output missing %q:\n%s", expected, output)
		}
	}

	output, err = run(t, "--config", cfgPath, "memory", "clear")
	if err != nil {
		t.Fatalf("memory clear failed: %v", err)
	}
	if !strings.Contains(output, "✓ Cleared") {
		t.Errorf("Unexpected clear output: %s", output)
	}

	output, err = run(t, "--config", cfgPath, "memory", "show")
	if err != nil {
		t.Fatalf("memory show failed: %v", err)
	}
	if !strings.Contains(output, "No records remembered.") {
		t.Errorf("Expected empty memory after clear, got: %s", output)
	}
}

func TestInvokeJSONEnvelope(t *testing.T) {
	backend := newBackend(t, nil)
	cfgPath := writeConfig(t, backend.URL)

	output, err := run(t, "--config", cfgPath, "invoke", "crm", "salesforce_query_opportunities", "--json")
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}

	var res struct {
		Service  string `json:"service"`
		Tool     string `json:"tool"`
		Attempts int    `json:"attempts"`
	}
	if err := json.Unmarshal([]byte(output), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if res.Service != "crm" || res.Tool != "salesforce_query_opportunities" || res.Attempts != 1 {
		t.Errorf("Unexpected envelope: %+v", res)
	}
}

func TestInvokeErrors(t *testing.T) {
	backend := newBackend(t, nil)
	cfgPath := writeConfig(t, backend.URL)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "bad args JSON",
			args:    []string{"invoke", "crm", "salesforce_query_opportunities", "--args", "{nope"},
			wantErr: "--args must be a JSON object",
		},
		{
			name:    "unknown tool",
			args:    []string{"invoke", "crm", "salesforce_delete_everything"},
			wantErr: "unknown_tool",
		},
		{
			name:    "validation",
			args:    []string{"invoke", "crm", "salesforce_query", "--args", `{}`},
			wantErr: "validation_error",
		},
		{
			name:    "missing arguments",
			args:    []string{"invoke", "crm"},
			wantErr: "accepts 2 arg(s)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, append([]string{"--config", cfgPath}, tt.args...)...)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestToolsCommand(t *testing.T) {
	output, err := run(t, "tools")
	if err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	for _, expected := range []string{"crm (13 tools)", "issues (3 tools)", "jira_create_issue [writes]", "salesforce_query_opportunities"} {
		if !strings.Contains(output, expected) {
			t.Errorf("tools output missing %q", expected)
		}
	}

	output, err = run(t, "tools", "--service", "issues", "--json")
	if err != nil {
		t.Fatalf("tools --json failed: %v", err)
	}
	var tools []struct {
		Service     string                 `json:"service"`
		Name        string                 `json:"name"`
		InputSchema map[string]interface{} `json:"input_schema"`
	}
	if err := json.Unmarshal([]byte(output), &tools); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("Expected 3 issues tools, got %d", len(tools))
	}
	for _, tool := range tools {
		if tool.Service != "issues" || tool.InputSchema["type"] != "object" {
			t.Errorf("Unexpected tool entry: %+v", tool)
		}
	}

	if _, err := run(t, "tools", "--service", "billing"); err == nil {
		t.Error("Expected error for unknown service")
	}
}

func TestToolsStatus(t *testing.T) {
	backend := newBackend(t, nil)
	cfgPath := writeConfig(t, backend.URL)

	output, err := run(t, "--config", cfgPath, "tools", "--service", "issues", "--status")
	if err != nil {
		t.Fatalf("tools --status failed: %v", err)
	}
	// The fake backend only serves one CRM tool.
	if !strings.Contains(output, "✗ backend is missing jira_create_issue, jira_get_issue, jira_search_issues") {
		t.Errorf("Unexpected status output:\n%s", output)
	}
}

func TestHealthCommand(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		circuit string
		wantErr bool
	}{
		{name: "healthy", status: "healthy", circuit: "closed", wantErr: false},
		{name: "degraded", status: "degraded", circuit: "open", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/health" {
					http.NotFound(w, r)
					return
				}
				fmt.Fprintf(w, `{"status":%q,"services":{"crm":{"circuit":%q,"consecutive_failures":5,"pool":{"in_use":1,"max":3}}},"cache":{"hits":3,"misses":1,"hit_rate":0.75},"memory":{"entities":2}}`, tt.status, tt.circuit)
			}))
			defer srv.Close()

			output, err := run(t, "health", "--url", srv.URL)
			if (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(output, "Status: "+tt.status) {
				t.Errorf("Output missing status:\n%s", output)
			}
			if !strings.Contains(output, "crm: circuit "+tt.circuit) {
				t.Errorf("Output missing crm circuit:\n%s", output)
			}
			if !strings.Contains(output, "75% hit rate") {
				t.Errorf("Output missing cache line:\n%s", output)
			}
		})
	}
}

func TestHealthUnreachable(t *testing.T) {
	_, err := run(t, "health", "--url", "http://127.0.0.1:1")
	if err == nil || !strings.Contains(err.Error(), "gateway unreachable") {
		t.Errorf("Expected unreachable error, got %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		":8000":            "http://localhost:8000",
		"0.0.0.0:9090":     "http://0.0.0.0:9090",
		"gateway.local:80": "http://gateway.local:80",
	}
	for addr, want := range tests {
		if got := baseURL(addr); got != want {
			t.Errorf("baseURL(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "conf", "bi-gateway.yaml")

	output, err := run(t, "--config", path, "config", "init")
	if err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(output, "✓ Wrote "+path) {
		t.Errorf("Unexpected init output: %s", output)
	}

	if _, err := run(t, "--config", path, "config", "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected refusal to overwrite, got %v", err)
	}
	if _, err := run(t, "--config", path, "config", "init", "--force"); err != nil {
		t.Errorf("config init --force failed: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("Expected backup after --force: %v", err)
	}

	output, err = run(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	for _, expected := range []string{"http_addr:", "ttl: 5m0s", "transport: http"} {
		if !strings.Contains(output, expected) {
			t.Errorf("config show output missing %q:\n%s", expected, output)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	output, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	for _, expected := range []string{"Version:", "Commit:", "Built:"} {
		if !strings.Contains(output, expected) {
			t.Errorf("version output missing %q", expected)
		}
	}
}
