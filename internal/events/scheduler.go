package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler is anything that can run one maintenance pass
type Reconciler interface {
	Reconcile(ctx context.Context) (*Report, error)
}

// Scheduler runs partition maintenance once at start and then on a cron
// schedule, independent of request volume.
type Scheduler struct {
	reconciler Reconciler
	schedule   string
	cron       *cron.Cron
	mu         sync.Mutex
	running    bool
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	runs       sync.WaitGroup
}

// NewScheduler creates a scheduler. schedule uses standard cron syntax or
// descriptors such as "@every 12h".
func NewScheduler(reconciler Reconciler, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: reconciler,
		schedule:   schedule,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logger.With("component", "partitions.scheduler"),
	}
}

// Start runs one reconcile in the background and schedules the rest
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		s.cancel()
		return fmt.Errorf("failed to schedule partition maintenance: %w", err)
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		s.run()
	}()

	s.cron.Start()
	s.running = true

	s.logger.Info("partition maintenance scheduled", "schedule", s.schedule)
	return nil
}

func (s *Scheduler) run() {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if _, err := s.reconciler.Reconcile(s.ctx); err != nil {
		s.logger.Error("partition maintenance failed", "error", err, "elapsed", time.Since(start))
	}
}

// Stop cancels any running pass and waits for it to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.runs.Wait()
	s.running = false
	s.logger.Info("partition maintenance stopped")
}

// NextRun returns the next scheduled run, or nil when not running
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
