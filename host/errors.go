package host

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessNotReady is returned when the child exited before announcing its endpoint.
	ErrProcessNotReady = errors.New("script host process exited before it was ready")
	// ErrTypeMismatch is returned when the result cannot be stored in the requested type.
	ErrTypeMismatch = errors.New("result type mismatch")
	// ErrProtocol is returned when the child's response does not follow the wire protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrClosed is returned by invocations made after Close. If the child never became ready, the error also wraps
	// ErrProcessNotReady.
	ErrClosed = errors.New("script host closed")
)

// nullResponseMessage is used when an error response has no usable payload.
const nullResponseMessage = "null response object"

// InvocationError is an error reported by the invoked function itself.
type InvocationError struct {
	Message string
	// Details is usually a stack trace from the child.
	Details string
}

func (e *InvocationError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("script invocation failed: %s", e.Message)
	}
	return fmt.Sprintf("script invocation failed: %s\n%s", e.Message, e.Details)
}

type errorPayload struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails"`
}
