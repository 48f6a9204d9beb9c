/*
Package mcp implements the MCP server that exposes the gateway as meta-tools.

The server uses stdio transport and exposes 5 meta-tools:
  - gateway_list: List services and the tools they own
  - gateway_search: Find tools (and remembered entities) by free text
  - gateway_execute: Invoke a tool through the gateway
  - gateway_health: Circuit, pool, cache and memory health
  - gateway_memory: Session context, entity lookup and entity search

Calls made through gateway_execute are chat-origin: their results are
recorded in the conversation log.
*/
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/khanglvm/bi-gateway/internal/gateway"
	"github.com/khanglvm/bi-gateway/internal/memory"
	"github.com/khanglvm/bi-gateway/internal/metrics"
	"github.com/khanglvm/bi-gateway/internal/search"
	"github.com/khanglvm/bi-gateway/internal/version"
)

// Max JSON-RPC line size accepted from the client.
const maxLineSize = 10 * 1024 * 1024

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server represents the bi-gateway MCP server.
type Server struct {
	dispatcher *gateway.Dispatcher
	metrics    *metrics.Aggregator
	memory     *memory.Memory
	index      *search.Indexer
	logger     *slog.Logger

	// out is written by one response at a time.
	outMu sync.Mutex
	out   io.Writer
}

// Options wires a Server. Dispatcher is required.
type Options struct {
	Dispatcher *gateway.Dispatcher
	Metrics    *metrics.Aggregator
	Memory     *memory.Memory
	Index      *search.Indexer
	Logger     *slog.Logger
}

// NewServer creates a new MCP server over the gateway.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		memory:     opts.Memory,
		index:      opts.Index,
		logger:     opts.Logger,
	}
}

// Run serves newline-delimited JSON-RPC from in to out. It blocks until in
// is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}

			response, err := s.handleRequest(ctx, line)
			if err != nil {
				s.sendError(err)
				continue
			}
			if response != nil {
				s.sendResponse(response)
			}
		}
	}
}

// MCPRequest represents an incoming MCP JSON-RPC request.
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse represents an outgoing MCP JSON-RPC response.
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError represents an MCP error.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleRequest processes an incoming MCP request. Notifications get no
// response.
func (s *Server) handleRequest(ctx context.Context, data []byte) (*MCPResponse, error) {
	var req MCPRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC request: %w", err)
	}

	if strings.HasPrefix(req.Method, "notifications/") {
		return nil, nil
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(&req)
	case "ping":
		return &MCPResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}, nil
	case "tools/list":
		return s.handleToolsList(&req)
	case "tools/call":
		return s.handleToolsCall(ctx, &req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "Method not found"), nil
	}
}

// handleInitialize handles the MCP initialize request.
func (s *Server) handleInitialize(req *MCPRequest) (*MCPResponse, error) {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "bi-gateway",
				"version": version.Version,
			},
		},
	}, nil
}

func errorResponse(id interface{}, code int, msg string) *MCPResponse {
	return &MCPResponse{JSONRPC: "2.0", ID: id, Error: &MCPError{Code: code, Message: msg}}
}

// textResult wraps text as an MCP tool result.
func textResult(id interface{}, text string, isError bool) *MCPResponse {
	result := map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": text},
		},
	}
	if isError {
		result["isError"] = true
	}
	return &MCPResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// handleToolsCall handles tool execution requests.
func (s *Server) handleToolsCall(ctx context.Context, req *MCPRequest) (*MCPResponse, error) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, fmt.Sprintf("invalid params: %v", err)), nil
	}

	var (
		result string
		err    error
	)
	switch params.Name {
	case "gateway_list":
		service, _ := params.Arguments["service"].(string)
		result, err = s.execList(service)
	case "gateway_search":
		query, _ := params.Arguments["query"].(string)
		service, _ := params.Arguments["service"].(string)
		result, err = s.execSearch(query, service, intArg(params.Arguments, "limit", 5))
	case "gateway_execute":
		service, _ := params.Arguments["service"].(string)
		tool, _ := params.Arguments["tool"].(string)
		args, _ := params.Arguments["arguments"].(map[string]interface{})
		result, err = s.execExecute(ctx, service, tool, args)
	case "gateway_health":
		result, err = s.execHealth()
	case "gateway_memory":
		result, err = s.execMemory(params.Arguments)
	default:
		return errorResponse(req.ID, codeInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name)), nil
	}

	if err != nil {
		var gerr *gateway.Error
		if errors.As(err, &gerr) {
			// Gateway failures are tool results so the model can read the kind.
			body, _ := json.Marshal(gerr)
			return textResult(req.ID, string(body), true), nil
		}
		return errorResponse(req.ID, codeServerError, err.Error()), nil
	}
	return textResult(req.ID, result, false), nil
}

// sendResponse writes a JSON-RPC response as one line.
func (s *Server) sendResponse(resp *MCPResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, string(data))
}

// sendError writes a parse error response.
func (s *Server) sendError(err error) {
	s.sendResponse(errorResponse(nil, codeParseError, err.Error()))
}

func intArg(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}
