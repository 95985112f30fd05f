package util

import (
	"context"
	"errors"
	"time"
)

// MaxRetryDelay caps the backoff between attempts.
const MaxRetryDelay = 30 * time.Second

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn up to maxAttempts times, doubling the delay after each
// failure from baseDelay up to MaxRetryDelay. It stops early on success, on
// an error wrapped with Permanent, or when ctx is cancelled, and returns the
// last error from fn.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return serr
		}
		delay = min(delay*2, MaxRetryDelay)
	}
	return err
}
