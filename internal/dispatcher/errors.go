package dispatcher

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull       = errors.New("dispatcher: queue full")
	ErrRateLimited     = errors.New("dispatcher: rate limited after retries")
	ErrOverloaded      = errors.New("dispatcher: upstream overloaded after retries")
	ErrClosed          = errors.New("dispatcher: closed")
	ErrInvalidPriority = errors.New("dispatcher: invalid priority")
)

// UpstreamError is a non-retryable upstream response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("dispatcher: upstream returned %d: %s", e.StatusCode, e.Body)
}

// RetryError reports a transient signal that outlasted the retry budget.
type RetryError struct {
	Err      error
	Attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (attempts=%d)", e.Err, e.Attempts)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
