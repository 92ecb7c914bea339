// Package worker provides bounded background job queues used for writes
// that must never hold up a request.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Overflow policies
const (
	DropOldest = "drop_oldest"
	Block      = "block"
)

// ErrStopped is returned by Submit once the pool is shutting down
var ErrStopped = errors.New("worker pool stopped")

// Job is one unit of background work. ctx carries the per-job timeout.
type Job func(ctx context.Context) error

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	// Name labels log lines and metrics
	Name string
	// QueueSize bounds the number of queued jobs
	QueueSize int
	// Workers is the number of goroutines draining the queue
	Workers int
	// Overflow is DropOldest or Block
	Overflow string
	// JobTimeout bounds each job's context
	JobTimeout time.Duration
}

// DefaultPoolConfig returns sensible defaults for the pool
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:       name,
		QueueSize:  1024,
		Workers:    4,
		Overflow:   DropOldest,
		JobTimeout: 5 * time.Second,
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	Queued    int
	Submitted int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// Pool runs jobs from a bounded queue on a fixed set of goroutines
type Pool struct {
	config *PoolConfig
	logger *slog.Logger
	queue  chan Job

	mu       sync.RWMutex
	closed   bool
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a new worker pool. Call Start before submitting.
func NewPool(cfg *PoolConfig, logger *slog.Logger) *Pool {
	if cfg == nil {
		cfg = DefaultPoolConfig("default")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Overflow != Block {
		cfg.Overflow = DropOldest
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config: cfg,
		logger: logger.With("component", "worker", "pool", cfg.Name),
		queue:  make(chan Job, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Name returns the pool label
func (p *Pool) Name() string {
	return p.config.Name
}

// Start launches the worker goroutines
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.queue {
				p.run(job)
			}
		}()
	}
	p.logger.Debug("worker pool started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
}

// Submit enqueues job. Under DropOldest it never waits: when the queue is
// full the oldest queued job is discarded. Under Block it waits for space
// until ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	p.submitted.Add(1)

	for {
		select {
		case p.queue <- job:
			return nil
		default:
		}

		if p.config.Overflow == Block {
			select {
			case p.queue <- job:
				return nil
			case <-ctx.Done():
				p.dropped.Add(1)
				return fmt.Errorf("queue %s full: %w", p.config.Name, ctx.Err())
			case <-p.stopCh:
				p.dropped.Add(1)
				return ErrStopped
			}
		}

		select {
		case <-p.queue:
			if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
				p.logger.Warn("queue full, dropped oldest job", "dropped_total", n)
			}
		default:
		}
	}
}

// Stop rejects new jobs and waits for queued ones to finish, up to ctx's deadline
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	if !p.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("worker pool stopped", "processed", p.processed.Load(), "dropped", p.dropped.Load())
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out", "queued", len(p.queue))
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

func (p *Pool) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("panic in background job", "panic", r)
		}
	}()

	if err := job(ctx); err != nil {
		p.failed.Add(1)
		p.logger.Warn("background job failed", "error", err)
		return
	}
	p.processed.Add(1)
}
