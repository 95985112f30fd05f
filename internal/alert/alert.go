// Package alert raises operator-facing critical alerts.
package alert

import (
	"context"
	"log/slog"
	"sync"

	"execstack/internal/util"
)

// Alerter raises a critical alert that a human must act on.
type Alerter interface {
	Critical(ctx context.Context, msg string, args ...any)
}

// Compile-time interface checks.
var _ Alerter = (*LogAlerter)(nil)
var _ Alerter = (*Recorder)(nil)

// LogAlerter writes alerts to a logger at critical severity.
type LogAlerter struct {
	log *slog.Logger
}

// NewLogAlerter creates a LogAlerter. A nil logger uses slog.Default().
func NewLogAlerter(log *slog.Logger) *LogAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAlerter{log: log}
}

// Critical logs msg at util.LevelCritical.
func (a *LogAlerter) Critical(ctx context.Context, msg string, args ...any) {
	a.log.Log(ctx, util.LevelCritical, msg, args...)
}

// Recorder keeps alerts in memory and forwards them to an optional next
// Alerter. The API server exposes its contents.
type Recorder struct {
	next Alerter

	mu     sync.Mutex
	alerts []string
}

// NewRecorder creates a Recorder forwarding to next, which may be nil.
func NewRecorder(next Alerter) *Recorder {
	return &Recorder{next: next}
}

// Critical records msg and forwards it.
func (r *Recorder) Critical(ctx context.Context, msg string, args ...any) {
	r.mu.Lock()
	r.alerts = append(r.alerts, msg)
	r.mu.Unlock()
	if r.next != nil {
		r.next.Critical(ctx, msg, args...)
	}
}

// Messages returns the recorded alert messages in order.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.alerts...)
}
