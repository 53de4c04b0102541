package worker

import (
	"context"
	"errors"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// Error types reported by the runtime itself
const (
	ErrorTypeWorker  = "worker_error"
	ErrorTypeTimeout = "worker_timeout"
)

// ErrInvalidRequest is returned for messages a worker cannot act on
var ErrInvalidRequest = errors.New("invalid request")

// FatalError reports a failure with its own error type. The job is not
// retried.
type FatalError struct {
	Type    string
	Message string
}

func (e *FatalError) Error() string {
	return e.Type + ": " + e.Message
}

// NewFatalError creates a FatalError
func NewFatalError(errorType, message string) error {
	return &FatalError{Type: errorType, Message: message}
}

// shouldRequeue reports whether the request should go back on the queue
// instead of producing an Error result
func shouldRequeue(err error) bool {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	return domain.IsRetryable(err)
}

// errorPayload maps a work error to the type and message of the Error result
func errorPayload(err error) (string, string) {
	var fatal *FatalError
	switch {
	case errors.As(err, &fatal):
		return fatal.Type, fatal.Message
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout, err.Error()
	default:
		return ErrorTypeWorker, err.Error()
	}
}
