// Package health aggregates dependency checks for the liveness and
// readiness probes of the ingestion and search services.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

func (s Status) rank() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Ready reports whether the service should receive traffic. A degraded
// optional dependency does not take it out of rotation.
func (r Report) Ready() bool {
	return r.Status != StatusDown
}

// Checker runs registered checks concurrently, each bounded by a timeout.
// Reports are reused for cacheFor so frequent probes do not hammer the
// database.
type Checker struct {
	timeout  time.Duration
	cacheFor time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	checks map[string]Check
	last   *Report
}

func NewChecker() *Checker {
	return &Checker{
		timeout:  3 * time.Second,
		cacheFor: 2 * time.Second,
		now:      time.Now,
		checks:   make(map[string]Check),
		logger:   slog.Default().With("component", "health"),
	}
}

func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	c.last = nil
}

// Run returns the worst status across all components.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.Lock()
	if c.last != nil && c.now().Sub(c.last.CheckedAt) < c.cacheFor {
		r := *c.last
		c.mu.Unlock()
		return r
	}
	names := make([]string, 0, len(c.checks))
	checks := make([]Check, 0, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks = append(checks, check)
	}
	c.mu.Unlock()

	results := make([]ComponentHealth, len(checks))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			start := c.now()
			res := checks[i](cctx)
			res.LatencyMS = c.now().Sub(start).Milliseconds()
			results[i] = res
		}(i)
	}
	wg.Wait()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(names)),
		CheckedAt:  c.now().UTC(),
	}
	for i, name := range names {
		res := results[i]
		report.Components[name] = res
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
	}
	if report.Status != StatusUp {
		c.logger.Warn("health check not up", "status", report.Status, "failing", failing(report))
	}

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()
	return report
}

func failing(r Report) []string {
	var out []string
	for name, comp := range r.Components {
		if comp.Status != StatusUp {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// PingCheck marks a required dependency down when ping fails.
func PingCheck(ping func(ctx context.Context) error) Check {
	return pingAs(ping, StatusDown)
}

// DegradedCheck marks an optional dependency, such as the match cache,
// degraded when ping fails.
func DegradedCheck(ping func(ctx context.Context) error) Check {
	return pingAs(ping, StatusDegraded)
}

func pingAs(ping func(ctx context.Context) error, failed Status) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: failed, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers 200 while the report is up or degraded and 503 when
// a required dependency is down.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		status := http.StatusOK
		if !report.Ready() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
