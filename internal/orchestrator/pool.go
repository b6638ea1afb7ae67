package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrPoolFull   = errors.New("worker pool queue full")
)

// Task is one unit of background work. Panics are recovered and passed to
// the task's OnPanic hook.
type Task struct {
	Name    string
	Run     func(ctx context.Context)
	OnPanic func(recovered any)
}

// Pool runs tasks on a fixed number of workers fed by a bounded queue.
type Pool struct {
	tasks   chan Task
	workers int
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool
	logger  *slog.Logger
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		tasks:   make(chan Task, queueSize),
		workers: workers,
		logger:  slog.Default().With("component", "worker-pool"),
	}
}

// Start launches the workers. Tasks run with ctx, which should outlive any
// single request.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue_size", cap(p.tasks))
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runTask(ctx, id, task)
	}
}

func (p *Pool) runTask(ctx context.Context, worker int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", worker, "task", task.Name, "panic", fmt.Sprint(r))
			if task.OnPanic != nil {
				task.OnPanic(r)
			}
		}
	}()
	task.Run(ctx)
}

// Submit queues task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Close stops accepting tasks and waits for queued and running ones to
// finish, or for ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining worker pool: %w", ctx.Err())
	}
}
