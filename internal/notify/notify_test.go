package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
)

type recorder struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("down")}
	err := Multi{bad, ok}.Notify(context.Background(), Notification{Type: TypeRunFailed})

	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.got, 1)
	assert.Len(t, bad.got, 1)
}

func TestDispatcher_SwallowsAndCountsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &recorder{err: errors.New("unreachable")}
	d := NewDispatcher(rec, m)
	d.now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }

	d.Send(context.Background(), Notification{Type: TypeRunSucceeded, Source: sanctions.SourceUN})

	require.Len(t, rec.got, 1)
	assert.Equal(t, LevelInfo, rec.got[0].Level)
	assert.Equal(t, d.now(), rec.got[0].Timestamp)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsFailedTotal.WithLabelValues("run_succeeded")))
}

func TestDispatcher_NilIsNoop(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Send(context.Background(), Notification{}) })
}

type stubPublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	err     error
}

func (s *stubPublisher) PublishBatch(ctx context.Context, events []kafka.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return s.err
}

func (s *stubPublisher) events() []kafka.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []kafka.Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func TestKafka_PublishesQueuedEventsOnClose(t *testing.T) {
	pub := &stubPublisher{}
	k := NewKafka(pub, 10)
	k.Start(context.Background())

	require.NoError(t, k.Notify(context.Background(), Notification{Type: TypeRunSucceeded, Level: LevelInfo, Source: sanctions.SourceOFAC, RunID: "r1"}))
	require.NoError(t, k.Notify(context.Background(), Notification{Type: TypeStarted}))
	k.Close()

	events := pub.events()
	require.Len(t, events, 2)
	assert.Equal(t, "OFAC", events[0].Key)
	assert.Equal(t, "run_succeeded", events[0].Type)
	assert.Equal(t, map[string]string{"level": "info", "run-id": "r1"}, events[0].Headers)
	assert.Equal(t, "orchestrator", events[1].Key)

	assert.Error(t, k.Notify(context.Background(), Notification{Type: TypeStopped}))
	assert.NotPanics(t, k.Close)
}

func TestKafka_PublishesAfterStartContextCancelled(t *testing.T) {
	pub := &stubPublisher{}
	k := NewKafka(pub, 16)
	ctx, cancel := context.WithCancel(context.Background())
	k.Start(ctx)
	cancel()

	require.NoError(t, k.Notify(context.Background(), Notification{Type: TypeRunSucceeded, Source: sanctions.SourceUN, RunID: "r7"}))
	require.NoError(t, k.Notify(context.Background(), Notification{Type: TypeStopped}))
	k.Close()

	events := pub.events()
	require.Len(t, events, 2, "shutdown notifications are still published")
	assert.Equal(t, "run_succeeded", events[0].Type)
	assert.Equal(t, string(TypeStopped), events[1].Type)
}

func TestKafka_BufferFull(t *testing.T) {
	k := NewKafka(&stubPublisher{}, 1)
	require.NoError(t, k.Notify(context.Background(), Notification{Type: TypeRunFailed}))
	assert.ErrorIs(t, k.Notify(context.Background(), Notification{Type: TypeRunFailed}), ErrBufferFull)
}

func TestWebhook_PostsJSON(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), Notification{
		Type:    TypeRunSucceeded,
		Source:  sanctions.SourceOFAC,
		RunID:   "run-1",
		Subject: "OFAC ingestion succeeded",
		Counts:  &Counts{Added: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	require.NotNil(t, got.Counts)
	assert.Equal(t, 3, got.Counts.Added)
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), Notification{Type: TypeRunFailed})
	assert.ErrorContains(t, err, "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLog_NeverFails(t *testing.T) {
	err := NewLog().Notify(context.Background(), Notification{
		Type: TypeHealthWarning, Level: LevelWarning, Subject: "stale", Counts: &Counts{},
	})
	assert.NoError(t, err)
}
