package cli

import (
	"os"
	"strings"
	"testing"
)

func TestVerifyCommandExecution(t *testing.T) {
	backend := newBackend(t, nil)

	tests := []struct {
		name    string
		url     string
		args    []string
		wantErr bool
		want    string
	}{
		{
			name: "reachable backends",
			url:  backend.URL,
			want: "✓ crm: http " + backend.URL,
		},
		{
			name:    "unreachable backend",
			url:     "http://127.0.0.1:1",
			wantErr: true,
			want:    "✗ crm: http http://127.0.0.1:1",
		},
		{
			name: "offline skips probes",
			url:  "http://127.0.0.1:1",
			args: []string{"--offline"},
			want: "✓ issues: http http://127.0.0.1:1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, tt.url)

			output, err := run(t, append([]string{"--config", cfgPath, "verify"}, tt.args...)...)
			if (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(output, "✓ Services configured: 2") {
				t.Errorf("Output missing service count:\n%s", output)
			}
			if !strings.Contains(output, tt.want) {
				t.Errorf("Output missing %q:\n%s", tt.want, output)
			}
		})
	}
}

func TestVerifyInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := dir + "/bad.yaml"
	if err := os.WriteFile(path, []byte("pool:\n  size: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	output, err := run(t, "--config", path, "verify")
	if err == nil {
		t.Fatal("Expected error for invalid config")
	}
	if !strings.Contains(output, "✗") {
		t.Errorf("Expected failure marker in output:\n%s", output)
	}
}
