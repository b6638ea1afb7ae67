package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/resilience"
)

type fakeWriter struct {
	written []kafka.Message
	err     error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	done      chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	close(r.done)
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestProducer_PublishBatchHeaders(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "sanctions-notifications")

	err := p.PublishBatch(context.Background(), []Event{{
		Key:     "OFAC",
		Type:    "run_succeeded",
		Value:   map[string]int{"added": 3},
		Headers: map[string]string{"run-id": "r1", "source": "OFAC", EventTypeHeader: "ignored"},
	}})
	require.NoError(t, err)
	require.Len(t, w.written, 1)

	msg := w.written[0]
	assert.Equal(t, "OFAC", string(msg.Key))
	assert.JSONEq(t, `{"added":3}`, string(msg.Value))
	assert.Equal(t, []kafka.Header{
		{Key: EventTypeHeader, Value: []byte("run_succeeded")},
		{Key: "run-id", Value: []byte("r1")},
		{Key: "source", Value: []byte("OFAC")},
	}, msg.Headers)

	decoded := fromMessage(msg)
	assert.Equal(t, "run_succeeded", decoded.Type)
	assert.Equal(t, "r1", decoded.Headers["run-id"])
}

func TestProducer_Errors(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newProducer(w, "t")
	assert.NoError(t, p.PublishBatch(context.Background(), nil))

	err := p.PublishBatch(context.Background(), []Event{{Key: "k", Value: 1}})
	assert.ErrorContains(t, err, "leader not available")

	err = newProducer(&fakeWriter{}, "t").PublishBatch(context.Background(), []Event{{Key: "k", Value: make(chan int)}})
	assert.Error(t, err)
}

func TestConsumer_DispatchesAndCommits(t *testing.T) {
	r := &fakeReader{done: make(chan struct{}), pending: []kafka.Message{
		{Offset: 1, Headers: []kafka.Header{{Key: EventTypeHeader, Value: []byte("run_succeeded")}}},
		{Offset: 2, Value: []byte(`{}`)},
		{Offset: 3},
	}}
	var seen []string
	c := newConsumer(r, "t", func(_ context.Context, msg Message) error {
		seen = append(seen, msg.Type)
		if msg.Offset == 3 {
			return errors.New("redis down")
		}
		return nil
	})
	c.retry = resilience.Backoff{Attempts: 2, Initial: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()
	<-r.done
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"run_succeeded", "", "", ""}, seen, "the failing message is retried once")
	assert.Equal(t, []int64{1, 2, 3}, r.committed, "poison messages are committed")
}

func TestDecodeJSON(t *testing.T) {
	v, err := DecodeJSON[map[string]string]([]byte(`{"type":"run_failed"}`))
	require.NoError(t, err)
	assert.Equal(t, "run_failed", v["type"])

	_, err = DecodeJSON[map[string]string]([]byte(`not json`))
	assert.Error(t, err)
}
