// Package fetcher downloads sanctions feeds over HTTP with a bounded timeout,
// retry with backoff and a per-URL circuit breaker.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/resilience"
)

// ErrTooLarge is returned when a feed exceeds the configured byte limit.
var ErrTooLarge = errors.New("feed exceeds size limit")

type Fetcher struct {
	client   *http.Client
	cfg      config.FetchConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

func New(cfg config.FetchConfig, m *metrics.Metrics) *Fetcher {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Fetcher{
		client:   &http.Client{},
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "feed-fetcher"),
		breakers: make(map[string]*resilience.Breaker),
	}
}

// Fetch downloads url. Every failure, including the overall timeout, is
// wrapped with apperrors.ErrNetwork.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	breaker := f.breaker(url)
	backoff := resilience.Backoff{
		Attempts: f.cfg.RetryAttempts,
		Initial:  f.cfg.RetryDelay,
		Max:      f.cfg.RetryDelay * 16,
		Jitter:   0.1,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			f.metrics.FeedRetriesTotal.WithLabelValues(url).Inc()
			f.logger.Warn("feed download failed, retrying", "url", url, "attempt", attempt, "wait", wait, "error", err)
		},
	}

	var body []byte
	err := backoff.Do(ctx, func(ctx context.Context) error {
		return breaker.Do(ctx, func(ctx context.Context) error {
			b, err := f.get(ctx, url)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if err != nil {
		f.logger.Warn("feed download failed", "url", url, "duration", time.Since(start), "error", err)
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrNetwork, url, err)
	}
	f.logger.Info("feed downloaded", "url", url, "bytes", len(body), "duration", time.Since(start))
	return body, nil
}

// Status reports the circuit of every feed fetched so far, keyed by URL.
func (f *Fetcher) Status() map[string]resilience.BreakerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]resilience.BreakerStatus, len(f.breakers))
	for url, b := range f.breakers {
		out[url] = b.Status()
	}
	return out
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("building request: %w", err))
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
			return nil, resilience.RetryAfter(err, retryAfter(resp.Header.Get("Retry-After"), time.Now()))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}

	limit := f.cfg.MaxBytes
	if limit <= 0 {
		limit = 256 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading feed body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, resilience.Permanent(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit))
	}
	return data, nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now)
	}
	return 0
}

func (f *Fetcher) breaker(url string) *resilience.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[url]; ok {
		return cb
	}
	cb := resilience.NewBreaker(url, resilience.BreakerConfig{
		Threshold: 5,
		Cooldown:  5 * time.Minute,
		OnStateChange: func(name string, to resilience.State) {
			f.metrics.FeedCircuitState.WithLabelValues(name).Set(float64(to))
		},
	})
	f.breakers[url] = cb
	return cb
}
