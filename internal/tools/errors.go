package tools

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for tool execution.
var (
	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")
)

// ErrorKind categorizes tool execution errors for retry and surfacing logic.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTimeout    ErrorKind = "timeout"
	KindExecution  ErrorKind = "execution"
	KindPanic      ErrorKind = "panic"
	KindNotFound   ErrorKind = "not_found"
)

// IsRetryable reports whether retrying the operation may succeed.
func (k ErrorKind) IsRetryable() bool {
	return k == KindTimeout
}

// Error is a structured tool execution error.
type Error struct {
	Kind       ErrorKind
	ToolName   string
	ToolCallID string
	Message    string
	Cause      error
}

// NewError wraps a cause with execution kind by default.
func NewError(toolName string, cause error) *Error {
	return &Error{Kind: KindExecution, ToolName: toolName, Cause: cause}
}

// WithKind sets the error kind.
func (e *Error) WithKind(k ErrorKind) *Error {
	e.Kind = k
	return e
}

// WithToolCallID records which call failed.
func (e *Error) WithToolCallID(id string) *Error {
	e.ToolCallID = id
	return e
}

// WithMessage overrides the message shown to the model.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Kind))
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError extracts a structured *Error from err if present.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable tool error.
func IsRetryable(err error) bool {
	if te, ok := AsError(err); ok {
		return te.Kind.IsRetryable()
	}
	return false
}
