package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// errBroken marks a process whose stdout is no longer in step with its
// requests, e.g. after an abandoned read.
var errBroken = errors.New("process channel is broken")

// execCommand is a variable that allows tests to mock exec.Command
var execCommand = exec.Command

// StdioDialer spawns backend processes that speak MCP over stdio.
type StdioDialer struct {
	Command string
	Args    []string
	Env     map[string]string

	// ClientName is sent in the initialize handshake.
	ClientName    string
	ClientVersion string

	Logger *slog.Logger
}

// Dial starts a process and completes the MCP handshake.
func (d *StdioDialer) Dial(ctx context.Context) (Channel, error) {
	proc, err := d.spawn()
	if err != nil {
		return nil, err
	}

	if err := proc.initialize(ctx, d.ClientName, d.ClientVersion); err != nil {
		proc.kill()
		proc.cmd.Wait()
		// EOF right after start usually means the command itself failed.
		if strings.Contains(err.Error(), "EOF") {
			return nil, fmt.Errorf("backend process %q exited during startup: %w", d.Command, err)
		}
		return nil, fmt.Errorf("failed to initialize backend: %w", err)
	}
	return proc, nil
}

// spawn starts a new backend process.
func (d *StdioDialer) spawn() (*Process, error) {
	cmd := execCommand(d.Command, d.Args...)

	cmd.Env = os.Environ()
	for key, value := range d.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	// stderr must be drained or a chatty child blocks once the pipe
	// buffer fills.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	go io.Copy(io.Discard, stderr)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		logger: logger.With("command", d.Command),
	}, nil
}

// Process is a running backend speaking MCP JSON-RPC over stdio. Requests
// are serialized; one process serves one caller at a time.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger *slog.Logger

	mu sync.Mutex
	// reqID is a counter rather than a timestamp so ids stay within the
	// integer range JavaScript servers can represent exactly.
	reqID  int64
	broken bool

	closeOnce sync.Once
	closeErr  error
}

// initialize sends the MCP initialize request and initialized notification.
func (proc *Process) initialize(ctx context.Context, name, version string) error {
	if name == "" {
		name = "bi-gateway"
	}
	if version == "" {
		version = "dev"
	}

	_, err := proc.request(ctx, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    name,
			"version": version,
		},
	})
	if err != nil {
		return err
	}

	// Notification: no id, no response.
	return proc.write(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
}

// Call implements Channel.
func (proc *Process) Call(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := proc.request(ctx, "tools/call", callParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	return decodeToolResult(result)
}

// ListTools asks the backend for its tool definitions.
func (proc *Process) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := proc.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("failed to parse tool list: %w", err)
	}
	return out.Tools, nil
}

// request sends a JSON-RPC request and waits for the matching response or
// for ctx to end. A read abandoned on ctx leaves the process unusable.
func (proc *Process) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	proc.mu.Lock()
	defer proc.mu.Unlock()

	if proc.broken {
		return nil, &TransportError{Op: method, Err: errBroken}
	}

	proc.reqID++
	id := proc.reqID

	if err := proc.writeLocked(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		proc.broken = true
		return nil, &TransportError{Op: method, Err: fmt.Errorf("failed to send request: %w", err)}
	}

	type reply struct {
		resp *rpcResponse
		err  error
	}
	replies := make(chan reply, 1)

	go func() {
		for {
			line, err := proc.stdout.ReadBytes('\n')
			if err != nil {
				replies <- reply{err: fmt.Errorf("failed to read response: %w", err)}
				return
			}
			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				// Servers may log to stdout; skip anything that isn't JSON-RPC.
				continue
			}
			if !resp.matches(id) {
				continue
			}
			replies <- reply{resp: &resp}
			return
		}
	}()

	select {
	case r := <-replies:
		if r.err != nil {
			proc.broken = true
			return nil, &TransportError{Op: method, Err: r.err}
		}
		if r.resp.Error != nil {
			return nil, remoteErr(r.resp.Error)
		}
		return r.resp.Result, nil

	case <-ctx.Done():
		proc.broken = true
		return nil, &TransportError{Op: method, Err: ctx.Err()}
	}
}

func (proc *Process) write(msg interface{}) error {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return proc.writeLocked(msg)
}

func (proc *Process) writeLocked(msg interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = proc.stdin.Write(b)
	return err
}

// Close shuts the process down: stdin is closed first, then the process
// gets 2s to exit before it is killed.
func (proc *Process) Close() error {
	proc.closeOnce.Do(func() {
		if proc.stdin != nil {
			if err := proc.stdin.Close(); err != nil {
				proc.logger.Warn("failed to close stdin", "error", err)
			}
		}

		done := make(chan error, 1)
		go func() {
			done <- proc.cmd.Wait()
		}()

		select {
		case err := <-done:
			if err != nil && !strings.Contains(err.Error(), "signal: killed") {
				proc.closeErr = err
			}
		case <-time.After(2 * time.Second):
			proc.logger.Warn("process did not exit gracefully, force killing")
			proc.kill()
			<-done
		}
	})
	return proc.closeErr
}

// kill terminates the process.
func (proc *Process) kill() {
	if proc.cmd != nil && proc.cmd.Process != nil {
		proc.cmd.Process.Kill()
	}
}
