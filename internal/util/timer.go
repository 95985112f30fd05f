package util

import (
	"context"
	"time"
)

// Timer measures a bounded wait. It never fires on its own; callers poll
// Expired between attempts.
type Timer struct {
	start   time.Time
	timeout time.Duration
	now     func() time.Time
}

// NewTimer starts a timer that expires after timeout.
func NewTimer(timeout time.Duration) *Timer {
	return newTimer(timeout, time.Now)
}

func newTimer(timeout time.Duration, now func() time.Time) *Timer {
	return &Timer{start: now(), timeout: timeout, now: now}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Expired reports whether the timeout has passed.
func (t *Timer) Expired() bool {
	return t.Elapsed() >= t.timeout
}

// Remaining returns the time left, never negative.
func (t *Timer) Remaining() time.Duration {
	if r := t.timeout - t.Elapsed(); r > 0 {
		return r
	}
	return 0
}

// Sleep pauses for d, returning early with the context's error if it is
// cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
