package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/kafka"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string]string
	ttl  time.Duration
	err  error
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]string)}
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	v, ok := b.data[key]
	if !ok {
		return nil, redis.Nil
	}
	return []byte(v), nil
}

func (b *memBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.data[key] = string(value)
	b.ttl = ttl
	return nil
}

func (b *memBackend) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k := range b.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(b.data, k)
			n++
		}
	}
	return n, nil
}

func sampleResult(q matcher.Query) *matcher.Result {
	return &matcher.Result{
		Query: q,
		Total: 1,
		Matches: []matcher.Match{{
			Entity:       sanctions.Entity{ID: 7, Name: "Jane Doe"},
			Score:        1,
			MatchType:    matcher.MatchExact,
			MatchedField: matcher.FieldName,
			MatchedValue: "Jane Doe",
		}},
	}
}

func TestBuildKey(t *testing.T) {
	base := matcher.Query{Text: "Jane Doe", Limit: 20, MinScore: 0.5}

	same := base
	same.Text = "  jane doe "
	assert.Equal(t, BuildKey(base), BuildKey(same))

	page := base
	page.Offset = 20
	assert.NotEqual(t, BuildKey(base), BuildKey(page))

	filtered := base
	filtered.Filter.Source = sanctions.SourceUN
	assert.NotEqual(t, BuildKey(base), BuildKey(filtered))

	reordered := base
	reordered.Text = "doe jane"
	assert.NotEqual(t, BuildKey(base), BuildKey(reordered))

	assert.Regexp(t, `^match:[0-9a-f]{32}$`, BuildKey(base))
}

func TestGetOrCompute(t *testing.T) {
	backend := newMemBackend()
	c := New(backend, time.Minute, nil)
	q := matcher.Query{Text: "Jane Doe", Limit: 20}
	var calls atomic.Int32
	compute := func() (*matcher.Result, error) {
		calls.Add(1)
		return sampleResult(q), nil
	}

	res, hit, err := c.GetOrCompute(context.Background(), q, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, time.Minute, backend.ttl)

	res, hit, err = c.GetOrCompute(context.Background(), q, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "Jane Doe", res.Matches[0].MatchedValue)
	assert.Equal(t, int32(1), calls.Load())

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	backend := newMemBackend()
	c := New(backend, time.Minute, nil)
	q := matcher.Query{Text: "x"}

	_, _, err := c.GetOrCompute(context.Background(), q, func() (*matcher.Result, error) {
		return nil, errors.New("store down")
	})
	require.Error(t, err)
	assert.Empty(t, backend.data)
}

func TestGetOrCompute_BackendDown(t *testing.T) {
	backend := newMemBackend()
	backend.err = errors.New("connection refused")
	c := New(backend, time.Minute, nil)
	q := matcher.Query{Text: "x"}

	res, hit, err := c.GetOrCompute(context.Background(), q, func() (*matcher.Result, error) {
		return sampleResult(q), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, res.Total)
}

func TestHandleNotification(t *testing.T) {
	backend := newMemBackend()
	c := New(backend, time.Minute, nil)
	ctx := context.Background()
	q := matcher.Query{Text: "Jane Doe"}
	c.Set(ctx, q, sampleResult(q))
	backend.data["other:key"] = "kept"

	require.NoError(t, c.HandleNotification(ctx, kafka.Message{Type: string(notify.TypeRunNoChange)}))
	_, ok := c.Get(ctx, q)
	assert.True(t, ok, "no-change runs keep the cache")

	require.NoError(t, c.HandleNotification(ctx, kafka.Message{Type: string(notify.TypeRunSucceeded)}))
	_, ok = c.Get(ctx, q)
	assert.False(t, ok)
	assert.Contains(t, backend.data, "other:key")

	c.Set(ctx, q, sampleResult(q))
	body, err := json.Marshal(notify.Notification{Type: notify.TypeRunSucceeded, Source: sanctions.SourceUN})
	require.NoError(t, err)
	require.NoError(t, c.HandleNotification(ctx, kafka.Message{Value: body}))
	_, ok = c.Get(ctx, q)
	assert.False(t, ok, "type falls back to the message body")
}
