package pool

import "fmt"

// JSON-RPC error codes used by backends.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	// CodeToolError marks a tools/call result flagged isError.
	CodeToolError = -32000
)

// RemoteError is a failure reported by a reachable backend, such as a
// rejected query. It says nothing about the backend's health.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// TransportError is a failure to reach or talk to a backend: dial errors,
// broken pipes, timeouts, overload responses.
type TransportError struct {
	Op      string
	Service string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
