// Package tracing records the stage timeline of an ingestion run. A Trace
// travels in the context, each pipeline stage appends a Stage to it and the
// finished timeline is logged as one structured record.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type traceKey struct{}

// Stage is one timed step of a run.
type Stage struct {
	Name     string
	Start    time.Time
	Duration time.Duration
	Err      string
}

type Trace struct {
	ID    string
	Name  string
	Start time.Time
	now   func() time.Time

	mu       sync.Mutex
	duration time.Duration
	err      string
	stages   []Stage
	attrs    []slog.Attr
}

// Start begins a trace named name for run id and stores it in the returned
// context.
func Start(ctx context.Context, name, id string) (context.Context, *Trace) {
	t := &Trace{ID: id, Name: name, now: time.Now}
	t.Start = t.now()
	return context.WithValue(ctx, traceKey{}, t), t
}

// FromContext returns the trace in ctx, or nil.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}

// RunStage times fn and appends the result to the trace in ctx. Without a
// trace it only times fn.
func RunStage(ctx context.Context, name string, fn func(context.Context) error) (time.Duration, error) {
	t := FromContext(ctx)
	clock := time.Now
	if t != nil {
		clock = t.now
	}
	start := clock()
	err := fn(ctx)
	elapsed := clock().Sub(start)
	if t != nil {
		st := Stage{Name: name, Start: start, Duration: elapsed}
		if err != nil {
			st.Err = err.Error()
		}
		t.mu.Lock()
		t.stages = append(t.stages, st)
		t.mu.Unlock()
	}
	return elapsed, err
}

func (t *Trace) Set(key string, value any) {
	t.mu.Lock()
	t.attrs = append(t.attrs, slog.Any(key, value))
	t.mu.Unlock()
}

// Finish closes the trace and returns its total duration.
func (t *Trace) Finish(err error) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duration = t.now().Sub(t.Start)
	if err != nil {
		t.err = err.Error()
	}
	return t.duration
}

func (t *Trace) Stages() []Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Stage(nil), t.stages...)
}

// Slowest returns the longest stage, if any ran.
func (t *Trace) Slowest() (Stage, bool) {
	var best Stage
	found := false
	for _, s := range t.Stages() {
		if !found || s.Duration > best.Duration {
			best, found = s, true
		}
	}
	return best, found
}

// LogValue renders the trace as a group: id, name, total duration, custom
// attributes and one duration_ms entry per stage.
func (t *Trace) LogValue() slog.Value {
	t.mu.Lock()
	defer t.mu.Unlock()

	attrs := []slog.Attr{
		slog.String("id", t.ID),
		slog.String("name", t.Name),
		slog.Int64("duration_ms", t.duration.Milliseconds()),
	}
	if t.err != "" {
		attrs = append(attrs, slog.String("error", t.err))
	}
	attrs = append(attrs, t.attrs...)

	stages := make([]any, 0, len(t.stages))
	for _, s := range t.stages {
		g := []any{slog.Int64("duration_ms", s.Duration.Milliseconds())}
		if s.Err != "" {
			g = append(g, slog.String("error", s.Err))
		}
		stages = append(stages, slog.Group(s.Name, g...))
	}
	attrs = append(attrs, slog.Group("stages", stages...))
	return slog.GroupValue(attrs...)
}
