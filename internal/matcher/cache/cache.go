// Package cache stores match results in Redis so repeated screening queries
// skip candidate retrieval and scoring until the next successful ingestion.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/redis"
)

const keyPrefix = "match:"

// Backend is the part of the Redis client the cache needs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(backend Backend, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	if m == nil {
		m = metrics.NewNop()
	}
	return &QueryCache{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "match-cache"),
	}
}

func (c *QueryCache) Get(ctx context.Context, q matcher.Query) (*matcher.Result, bool) {
	key := BuildKey(q)
	data, err := c.backend.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsMiss(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var result matcher.Result
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.Inc()
	c.logger.Debug("cache hit", "key", key)
	return &result, true
}

func (c *QueryCache) Set(ctx context.Context, q matcher.Query, result *matcher.Result) {
	key := BuildKey(q)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result for q or computes it once, even when
// several callers miss on the same key concurrently. The bool reports a hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	q matcher.Query,
	computeFn func() (*matcher.Result, error),
) (*matcher.Result, bool, error) {
	if result, ok := c.Get(ctx, q); ok {
		return result, true, nil
	}
	key := BuildKey(q)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, q, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*matcher.Result), false, nil
}

func (c *QueryCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.metrics.CacheInvalidations.Inc()
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return nil
}

// HandleNotification is a Kafka message handler. A successful ingestion run
// changes stored entities, so it drops every cached result.
func (c *QueryCache) HandleNotification(ctx context.Context, msg kafka.Message) error {
	eventType := msg.Type
	if eventType == "" {
		n, err := kafka.DecodeJSON[notify.Notification](msg.Value)
		if err != nil {
			return fmt.Errorf("decoding notification: %w", err)
		}
		eventType = string(n.Type)
	}
	if eventType != string(notify.TypeRunSucceeded) {
		return nil
	}
	return c.Invalidate(ctx)
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.Inc()
}

// BuildKey hashes every field that changes a result. Text is lower-cased
// and trimmed because scoring ignores case and surrounding space.
func BuildKey(q matcher.Query) string {
	q.Text = strings.ToLower(strings.TrimSpace(q.Text))
	q.Filter.Country = strings.ToUpper(q.Filter.Country)
	raw, err := json.Marshal(q)
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", q))
	}
	hash := sha256.Sum256(raw)
	return fmt.Sprintf("%s%x", keyPrefix, hash[:16])
}
