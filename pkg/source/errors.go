package source

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrThrottled marks responses the source uses to slow a client down.
	ErrThrottled = errors.New("throttled by source")
	// ErrSessionExpired means the source no longer accepts the session cookies.
	ErrSessionExpired = errors.New("source session expired")
	// ErrNotFound means the requested scope does not exist at the source.
	ErrNotFound = errors.New("not found at source")
)

// ThrottleError is returned for redirects to a challenge page, 429s and challenge 403s.
type ThrottleError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled by source (status %d)", e.StatusCode)
}

func (e *ThrottleError) Unwrap() error {
	return ErrThrottled
}

// StatusError is an unexpected status that may succeed on retry.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// RetryAfter returns the server-provided wait hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var te *ThrottleError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
