package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrSweepRunning is returned when a sweep is requested while one is in
// progress.
var ErrSweepRunning = errors.New("sweep already running")

// BatchSweeper runs one sweep pass. *Sweeper satisfies it.
type BatchSweeper interface {
	SweepAll(ctx context.Context, now time.Time) SweepReport
}

// Scheduler runs the sweep on a cron schedule and on demand. At most one
// sweep runs at a time; overlapping requests are skipped.
type Scheduler struct {
	sweeper BatchSweeper
	spec    string
	cron    *cron.Cron
	running atomic.Bool
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	last    *SweepReport
	stopped bool
	wg      sync.WaitGroup
}

// ScheduleSpec turns the sweep config into a cron spec: an explicit cron
// expression wins, otherwise "@every <interval>".
func ScheduleSpec(cronExpr string, interval time.Duration) (string, error) {
	if cronExpr != "" {
		return cronExpr, nil
	}
	if interval <= 0 {
		return "", fmt.Errorf("pipeline: sweep needs a cron expression or a positive interval")
	}
	return "@every " + interval.String(), nil
}

// NewScheduler validates spec (standard five-field cron or a descriptor such
// as "@every 1h") and creates a Scheduler.
func NewScheduler(sweeper BatchSweeper, spec string, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("pipeline: parse schedule %q: %w", spec, err)
	}
	return &Scheduler{
		sweeper: sweeper,
		spec:    spec,
		cron:    cron.New(),
		now:     time.Now,
		logger:  logger.With(slog.String("component", "scheduler")),
		baseCtx: context.Background(),
	}, nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for any
// sweep in progress to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.RunNow(ctx); err != nil {
			s.logger.InfoContext(ctx, "scheduler: tick skipped", slog.String("reason", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("pipeline: schedule sweep: %w", err)
	}

	s.logger.InfoContext(ctx, "sweep scheduler started", slog.String("schedule", s.spec))
	s.cron.Start()
	<-ctx.Done()

	// No Trigger may add to wg once Wait can be running.
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
	return nil
}

// RunNow sweeps synchronously unless a sweep is already running, in which
// case it returns ErrSweepRunning.
func (s *Scheduler) RunNow(ctx context.Context) (SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SweepReport{}, ErrSweepRunning
	}
	defer s.running.Store(false)

	report := s.safeSweep(ctx)
	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report, nil
}

// Trigger starts a sweep in the background. It reports false when a sweep is
// already running or the scheduler has shut down.
func (s *Scheduler) Trigger() bool {
	if s.running.Load() {
		return false
	}
	s.mu.Lock()
	ctx := s.baseCtx
	if s.stopped || ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	started := make(chan bool, 1)
	go func() {
		defer s.wg.Done()
		if !s.running.CompareAndSwap(false, true) {
			started <- false
			return
		}
		started <- true
		defer s.running.Store(false)
		report := s.safeSweep(ctx)
		s.mu.Lock()
		s.last = &report
		s.mu.Unlock()
	}()
	return <-started
}

// Running reports whether a sweep is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Last returns the report of the most recent completed sweep.
func (s *Scheduler) Last() (SweepReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return SweepReport{}, false
	}
	return *s.last, true
}

func (s *Scheduler) safeSweep(ctx context.Context) (report SweepReport) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "scheduler: sweep panicked", slog.Any("panic", r))
			report.Err = fmt.Sprintf("panic: %v", r)
			report.FinishedAt = time.Now().UTC()
		}
	}()
	return s.sweeper.SweepAll(ctx, s.now().UTC())
}
