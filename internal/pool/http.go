package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPDialer reaches a backend that serves JSON-RPC over HTTP:
// POST /mcp/call, GET /health, GET /tools.
type HTTPDialer struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPDialer returns a dialer whose client propagates trace context.
func NewHTTPDialer(baseURL string) *HTTPDialer {
	return &HTTPDialer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Dial returns a channel bound to the backend. No request is made; HTTP
// connections are pooled by the client's transport.
func (d *HTTPDialer) Dial(_ context.Context) (Channel, error) {
	return &httpChannel{dialer: d}, nil
}

func (d *HTTPDialer) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// Health queries GET /health and returns the reported status.
func (d *HTTPDialer) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := d.getJSON(ctx, "/health", &out); err != nil {
		return "", err
	}
	if out.Status != "healthy" && out.Error != "" {
		return out.Status, fmt.Errorf("backend unhealthy: %s", out.Error)
	}
	return out.Status, nil
}

// ListTools queries GET /tools.
func (d *HTTPDialer) ListTools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := d.getJSON(ctx, "/tools", &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (d *HTTPDialer) getJSON(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return &TransportError{Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: "GET " + path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

type httpChannel struct {
	dialer *HTTPDialer
	reqID  atomic.Int64
}

func (c *httpChannel) Call(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(newCallRequest(c.reqID.Add(1), tool, args))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.dialer.BaseURL+"/mcp/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.dialer.client().Do(req)
	if err != nil {
		return nil, &TransportError{Op: "tools/call", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, &TransportError{Op: "tools/call", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransportError{Op: "tools/call", Err: fmt.Errorf("backend returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &RemoteError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, &TransportError{Op: "tools/call", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if rpcResp.Error != nil {
		return nil, remoteErr(rpcResp.Error)
	}
	return decodeToolResult(rpcResp.Result)
}

func (c *httpChannel) Close() error {
	return nil
}
