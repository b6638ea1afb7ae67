// Package logger configures the process-wide slog logger and carries
// request and run attributes through contexts.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type attrsKey struct{}

// Setup installs the default logger on stdout. Every record carries the
// service name so ingestion and search logs can share a sink.
func Setup(service, level, format string) {
	SetupWriter(os.Stdout, service, level, format)
}

func SetupWriter(w io.Writer, service, level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	l := slog.New(handler)
	if service != "" {
		l = l.With("service", service)
	}
	slog.SetDefault(l)
}

// ParseLevel accepts the names slog understands ("debug", "WARN",
// "info+2") and falls back to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// With returns ctx carrying args in addition to any attributes already
// attached. FromContext adds them to every logger derived from ctx.
func With(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(attrsKey{}).([]any)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(merged, prev...)
	merged = append(merged, args...)
	return context.WithValue(ctx, attrsKey{}, merged)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return With(ctx, "request_id", requestID)
}

// WithRun tags ctx with the ingestion run being executed.
func WithRun(ctx context.Context, runID, source string) context.Context {
	return With(ctx, "run_id", runID, "source", source)
}

func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if attrs, ok := ctx.Value(attrsKey{}).([]any); ok {
		l = l.With(attrs...)
	}
	return l
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
