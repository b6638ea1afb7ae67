package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock(step time.Duration) func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestRunStage_RecordsTimeline(t *testing.T) {
	ctx, tr := Start(context.Background(), "ingest OFAC", "run-1")
	tr.now = fakeClock(10 * time.Millisecond)
	require.Same(t, tr, FromContext(ctx))

	_, err := RunStage(ctx, "fetch", func(context.Context) error { return nil })
	require.NoError(t, err)
	elapsed, err := RunStage(ctx, "parse", func(context.Context) error { return errors.New("bad xml") })
	assert.EqualError(t, err, "bad xml")
	assert.Equal(t, 10*time.Millisecond, elapsed)

	stages := tr.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "fetch", stages[0].Name)
	assert.Empty(t, stages[0].Err)
	assert.Equal(t, "bad xml", stages[1].Err)
}

func TestRunStage_WithoutTrace(t *testing.T) {
	called := false
	_, err := RunStage(context.Background(), "fetch", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestTrace_SlowestAndLog(t *testing.T) {
	ctx, tr := Start(context.Background(), "ingest UN", "run-2")
	_, ok := tr.Slowest()
	assert.False(t, ok)

	steps := []time.Duration{time.Millisecond, 5 * time.Millisecond}
	for i, name := range []string{"detect", "reconcile"} {
		tr.now = fakeClock(steps[i])
		RunStage(ctx, name, func(context.Context) error { return nil })
	}
	slowest, ok := tr.Slowest()
	require.True(t, ok)
	assert.Equal(t, "reconcile", slowest.Name)

	tr.Set("trigger", "MANUAL")
	tr.Finish(nil)

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("run timeline", "trace", tr)
	out := buf.String()
	assert.Contains(t, out, "trace.id=run-2")
	assert.Contains(t, out, "trace.trigger=MANUAL")
	assert.Contains(t, out, "trace.stages.reconcile.duration_ms=5")
}
