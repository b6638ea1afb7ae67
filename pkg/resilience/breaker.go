// Package resilience guards outbound feed downloads with a circuit breaker
// per feed and exponential backoff that honours server Retry-After hints.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before one probe call.
	Cooldown time.Duration
	// OnStateChange is called with the breaker lock held.
	OnStateChange func(name string, to State)
}

// BreakerStatus is a point-in-time view of a breaker for health reporting.
type BreakerStatus struct {
	Name      string     `json:"name"`
	State     string     `json:"state"`
	Failures  int        `json:"consecutive_failures"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Open reports whether the breaker is refusing or probing.
func (s BreakerStatus) Open() bool {
	return s.State != StateClosed.String()
}

// Breaker stops calling a feed host that keeps failing. Cancelled calls and
// permanent errors (see Permanent) are not counted as failures.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	lastErr  string
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default().With("component", "feed-breaker", "feed", name),
	}
}

// Do calls fn unless the circuit is open.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(ctx, err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return Permanent(fmt.Errorf("%w: %s, next probe in %s", ErrCircuitOpen, b.name, wait.Round(time.Second)))
		}
		b.transition(StateHalfOpen)
		b.probing = true
		b.logger.Info("probing feed after cooldown", "cooldown", b.cfg.Cooldown)
	case StateHalfOpen:
		if b.probing {
			return Permanent(fmt.Errorf("%w: %s, probe in flight", ErrCircuitOpen, b.name))
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		if b.state != StateClosed {
			b.logger.Info("feed recovered", "failures", b.failures)
			b.transition(StateClosed)
		}
		b.failures = 0
		b.lastErr = ""
		return
	}
	if ctx.Err() != nil || IsPermanent(err) {
		return
	}

	b.failures++
	b.lastErr = err.Error()
	switch {
	case b.state == StateHalfOpen:
		b.open()
		b.logger.Warn("feed probe failed, circuit reopened", "error", err)
	case b.state == StateClosed && b.failures >= b.cfg.Threshold:
		b.open()
		b.logger.Warn("feed circuit opened", "failures", b.failures, "error", err)
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, to)
	}
}

func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerStatus{
		Name:      b.name,
		State:     b.state.String(),
		Failures:  b.failures,
		LastError: b.lastErr,
	}
	if b.state != StateClosed {
		at := b.openedAt
		st.OpenedAt = &at
	}
	return st
}

// Reset closes the circuit and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastErr = ""
	b.probing = false
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}
