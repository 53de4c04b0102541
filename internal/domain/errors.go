package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrConcurrencyConflict is returned when a job row changed since it was loaded
	ErrConcurrencyConflict = errors.New("job was modified concurrently")

	// ErrInvalidQueueFormat is returned for queue format strings with unsupported tokens
	ErrInvalidQueueFormat = errors.New("invalid queue format")

	// ErrInvalidMessage is returned when a message cannot be decoded
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidGraph is returned when a submitted workflow graph is inconsistent
	ErrInvalidGraph = errors.New("invalid workflow graph")
)

// Error types recorded in a failed job's error payload
const (
	ErrorTypeEnqueue      = "job_enqueue_error"
	ErrorTypeInputScript  = "input_script_error"
	ErrorTypeOutputScript = "output_script_error"
)

// RetryableError wraps transient errors that may succeed on a later attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked as retryable
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
