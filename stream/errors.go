package stream

import (
	"context"
	"errors"
)

var (
	// ErrEndOfStream is returned when the stream closed before the awaited line arrived.
	ErrEndOfStream = errors.New("end of stream")
	// ErrTimeout is returned when a deadline elapsed before the awaited event.
	ErrTimeout = errors.New("timed out")
	// ErrCancelled is returned when the caller cancelled the wait.
	ErrCancelled = errors.New("cancelled")
)

// ContextErr converts a done context into ErrTimeout or ErrCancelled.
// A context whose deadline passed, or whose cause is ErrTimeout, is a timeout. Anything else is a cancellation.
// It returns nil if the context is not done.
func ContextErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}
