// Package notify delivers ingestion notifications: run outcomes, rejected
// triggers, health warnings and orchestrator lifecycle events.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
)

type Type string

const (
	TypeRunSucceeded  Type = "run_succeeded"
	TypeRunNoChange   Type = "run_no_change"
	TypeRunFailed     Type = "run_failed"
	TypeRunRejected   Type = "run_rejected"
	TypeHealthWarning Type = "health_warning"
	TypeStarted       Type = "orchestrator_started"
	TypeStopped       Type = "orchestrator_stopped"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

type Counts struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

type Notification struct {
	Type      Type             `json:"type"`
	Level     Level            `json:"level"`
	Source    sanctions.Source `json:"source,omitempty"`
	RunID     string           `json:"run_id,omitempty"`
	Subject   string           `json:"subject"`
	Message   string           `json:"message,omitempty"`
	Counts    *Counts          `json:"counts,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications as structured log lines.
type Log struct {
	logger *slog.Logger
}

func NewLog() *Log {
	return &Log{logger: slog.Default().With("component", "notifier")}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	attrs := []any{"type", n.Type, "subject", n.Subject}
	if n.Source != "" {
		attrs = append(attrs, "source", n.Source)
	}
	if n.RunID != "" {
		attrs = append(attrs, "run_id", n.RunID)
	}
	if n.Counts != nil {
		attrs = append(attrs,
			"added", n.Counts.Added,
			"updated", n.Counts.Updated,
			"unchanged", n.Counts.Unchanged,
		)
	}
	if n.Message != "" {
		attrs = append(attrs, "message", n.Message)
	}
	level := slog.LevelInfo
	switch n.Level {
	case LevelWarning:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "notification", attrs...)
	return nil
}

// Dispatcher stamps and sends notifications, logging and counting failures
// instead of returning them.
type Dispatcher struct {
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

func NewDispatcher(n Notifier, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		notifier: n,
		metrics:  m,
		now:      time.Now,
		logger:   slog.Default().With("component", "notify-dispatcher"),
	}
}

func (d *Dispatcher) Send(ctx context.Context, n Notification) {
	if d == nil || d.notifier == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.now().UTC()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		d.metrics.NotificationsFailedTotal.WithLabelValues(string(n.Type)).Inc()
		d.logger.Error("notification delivery failed",
			"type", n.Type,
			"source", n.Source,
			"run_id", n.RunID,
			"error", err,
		)
	}
}
