package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error { return nil }

func down(context.Context) error { return errors.New("connection refused") }

func TestRun_WorstStatusWins(t *testing.T) {
	tests := []struct {
		name  string
		store func(context.Context) error
		cache func(context.Context) error
		want  Status
		ready bool
	}{
		{"all up", up, up, StatusUp, true},
		{"cache down", up, down, StatusDegraded, true},
		{"store down", down, up, StatusDown, false},
		{"both down", down, down, StatusDown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.Register("store", PingCheck(tt.store))
			c.Register("redis", DegradedCheck(tt.cache))

			report := c.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, tt.ready, report.Ready())
			assert.Len(t, report.Components, 2)
		})
	}
}

func TestRun_TimesOutSlowChecks(t *testing.T) {
	c := NewChecker()
	c.timeout = 20 * time.Millisecond
	c.Register("store", PingCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	report := c.Run(context.Background())
	assert.Equal(t, StatusDown, report.Status)
	assert.Contains(t, report.Components["store"].Message, "deadline exceeded")
}

func TestRun_CachesRecentReport(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	c := NewChecker()
	c.now = func() time.Time { return clock }
	c.Register("store", PingCheck(func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	c.Run(context.Background())
	c.Run(context.Background())
	assert.EqualValues(t, 1, calls.Load())

	clock = clock.Add(3 * time.Second)
	c.Run(context.Background())
	assert.EqualValues(t, 2, calls.Load())

	c.Register("redis", DegradedCheck(up))
	c.Run(context.Background())
	assert.EqualValues(t, 3, calls.Load(), "registering drops the cached report")
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("store", PingCheck(up))
	c.Register("redis", DegradedCheck(down))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "connection refused", report.Components["redis"].Message)

	c.Register("store", PingCheck(down))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
