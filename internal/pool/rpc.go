package pool

import (
	"encoding/json"
	"fmt"
)

// Tool is a tool definition as reported by a backend.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type callParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

func newCallRequest(id int64, tool string, args map[string]interface{}) rpcRequest {
	if args == nil {
		args = map[string]interface{}{}
	}
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "tools/call",
		Params:  callParams{Name: tool, Arguments: args},
	}
}

// matches reports whether the response answers request id. Notifications
// carry no id.
func (r *rpcResponse) matches(id int64) bool {
	if len(r.ID) == 0 {
		return false
	}
	var got int64
	if err := json.Unmarshal(r.ID, &got); err != nil {
		return false
	}
	return got == id
}

// decodeToolResult turns a tools/call result into the payload handed to
// callers. The first text content item carries the backend's answer; when
// it is JSON it is passed through, otherwise it is wrapped as a JSON string.
func decodeToolResult(raw json.RawMessage) (json.RawMessage, error) {
	var res toolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}

	if len(res.Content) == 0 {
		if res.IsError {
			return nil, &RemoteError{Code: CodeToolError, Message: "tool reported an error"}
		}
		return raw, nil
	}

	text := res.Content[0].Text
	if res.IsError {
		return nil, &RemoteError{Code: CodeToolError, Message: text}
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

func remoteErr(e *rpcError) error {
	return &RemoteError{Code: e.Code, Message: e.Message}
}
