// Package scheduler runs the engine's periodic sweeps (step timeouts, SLA
// deadlines, starved approvals) on cron cadences.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepFunc is one periodic maintenance pass. It returns how many items it
// processed.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

type sweep struct {
	name     string
	schedule cron.Schedule
	fn       SweepFunc

	mu      sync.Mutex
	nextRun time.Time
}

// Scheduler drives registered sweeps from a single ticker. A sweep still
// running when its next slot arrives is skipped, not stacked.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger

	tickInterval time.Duration

	mu     sync.Mutex
	sweeps []*sweep
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler. tickInterval <= 0 defaults to 30s.
func NewScheduler(logger *slog.Logger, tickInterval time.Duration) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	return &Scheduler{
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:       logger,
		tickInterval: tickInterval,
		inflight:     make(map[string]struct{}),
	}
}

// Register adds a named sweep on a cron cadence. Must be called before Start.
func (s *Scheduler) Register(name, cronExpr string, fn SweepFunc) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for sweep %q: %w", cronExpr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, &sweep{
		name:     name,
		schedule: schedule,
		fn:       fn,
		nextRun:  schedule.Next(time.Now().UTC()),
	})
	return nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Int("sweeps", len(s.sweeps)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs every sweep whose next slot has arrived.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	sweeps := append([]*sweep(nil), s.sweeps...)
	s.mu.Unlock()

	for _, sw := range sweeps {
		sw.mu.Lock()
		due := !sw.nextRun.After(now)
		if due {
			sw.nextRun = sw.schedule.Next(now)
		}
		sw.mu.Unlock()

		if !due || !s.tryAcquire(sw.name) {
			continue
		}
		s.runSweep(ctx, sw, now)
		s.release(sw.name)
	}
}

func (s *Scheduler) runSweep(ctx context.Context, sw *sweep, now time.Time) {
	processed, err := sw.fn(ctx, now)
	if err != nil {
		s.logger.Error("sweep failed",
			slog.String("sweep", sw.name),
			slog.String("error", err.Error()),
		)
		return
	}
	if processed > 0 {
		s.logger.Info("sweep completed",
			slog.String("sweep", sw.name),
			slog.Int("processed", processed),
		)
	}
}

// RunAll executes every registered sweep once, immediately. Used by the
// one-shot sweep command.
func (s *Scheduler) RunAll(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	sweeps := append([]*sweep(nil), s.sweeps...)
	s.mu.Unlock()

	total := 0
	for _, sw := range sweeps {
		if !s.tryAcquire(sw.name) {
			continue
		}
		processed, err := sw.fn(ctx, now)
		s.release(sw.name)
		if err != nil {
			return total, fmt.Errorf("sweep %q: %w", sw.name, err)
		}
		total += processed
	}
	return total, nil
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop shuts the loop down and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
