package gateway

import (
	"errors"
	"fmt"

	"github.com/khanglvm/bi-gateway/internal/registry"
)

// Kind classifies a failed invocation.
type Kind string

const (
	KindUnknownTool Kind = "unknown_tool"
	KindValidation  Kind = "validation_error"
	KindTransient   Kind = "transient_backend_error"
	KindCircuitOpen Kind = "circuit_open"
	KindCancelled   Kind = "cancelled"
	KindLogic       Kind = "backend_logic_error"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrValidation   = errors.New("invalid arguments")
	ErrTransient    = errors.New("transient backend error")
	ErrCircuitOpen  = errors.New("circuit open")
	ErrCancelled    = errors.New("cancelled")
	ErrBackendLogic = errors.New("backend logic error")
)

// errCallTimeout marks a call abandoned at the gateway's call timeout. The
// backend may still have completed it.
var errCallTimeout = errors.New("call timed out")

var sentinels = map[Kind]error{
	KindUnknownTool: ErrUnknownTool,
	KindValidation:  ErrValidation,
	KindTransient:   ErrTransient,
	KindCircuitOpen: ErrCircuitOpen,
	KindCancelled:   ErrCancelled,
	KindLogic:       ErrBackendLogic,
}

// Error is the structured failure returned by Invoke.
type Error struct {
	Kind    Kind   `json:"kind"`
	Service string `json:"service"`
	Tool    string `json:"tool"`
	Message string `json:"message"`

	// RetryLater hints that the same call may succeed after a pause.
	RetryLater bool `json:"retry_later"`
	Attempts   int  `json:"attempts"`

	// Fields lists failing parameters for KindValidation.
	Fields []registry.FieldError `json:"fields,omitempty"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s: %s", e.Service, e.Tool, e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(kind Kind, req Request, err error) *Error {
	msg := string(kind)
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Service: req.Service, Tool: req.Tool, Message: msg, Err: err}
}

// KindOf returns the kind of a gateway error, or "" for other errors.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return ""
}

// IsTransient is the retry classifier: only transient backend errors are
// worth another attempt.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
