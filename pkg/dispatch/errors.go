package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// TemporaryError is a dispatch failure worth retrying: a provider 5xx, a
// broken connection, or local overload. The retry driver honours RetryAfter
// when the provider asked for a specific delay, and BackoffBase when a class
// of failure wants a slower exponential schedule (rate limiting).
type TemporaryError struct {
	err         error
	RetryAfter  time.Duration
	BackoffBase time.Duration
}

// Temporaryf builds a *TemporaryError; the format string supports %w.
func Temporaryf(format string, args ...any) *TemporaryError {
	return &TemporaryError{err: fmt.Errorf(format, args...)}
}

func (e *TemporaryError) Error() string { return e.err.Error() }
func (e *TemporaryError) Unwrap() error { return errors.Unwrap(e.err) }

// PermanentError is a dispatch failure retrying cannot fix: a rejected API
// key, a malformed request, or exhausted retries. The pipeline maps it to a
// 502 response.
type PermanentError struct {
	err error
}

// Permanentf builds a *PermanentError; the format string supports %w.
func Permanentf(format string, args ...any) *PermanentError {
	return &PermanentError{err: fmt.Errorf(format, args...)}
}

func (e *PermanentError) Error() string { return e.err.Error() }
func (e *PermanentError) Unwrap() error { return errors.Unwrap(e.err) }
