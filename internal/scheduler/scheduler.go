// Package scheduler runs a cycle on wall-clock boundaries that are whole
// multiples of an interval since the Unix epoch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-refresh-service/internal/lifecycle"
	"github.com/kjstillabower/weather-refresh-service/internal/observability"
)

// NextDelay returns how long to wait from now until the next multiple of
// interval since the Unix epoch. A now exactly on a boundary waits a full interval.
func NextDelay(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	rem := time.Duration(now.UnixNano() % int64(interval))
	if rem < 0 {
		rem += interval
	}
	return interval - rem
}

// Config describes one scheduled job.
type Config struct {
	Name     string
	Interval time.Duration
	Cycle    func(ctx context.Context) error
	// RunOnStart runs one cycle immediately, before waiting for the first boundary.
	RunOnStart bool
	Logger     *zap.Logger
	Tracker    *lifecycle.CycleTracker
	Now        func() time.Time
}

// Scheduler fires Cycle on aligned boundaries until its context ends.
// Cycles run on the Run goroutine and never overlap.
type Scheduler struct {
	name       string
	interval   time.Duration
	cycle      func(ctx context.Context) error
	runOnStart bool
	logger     *zap.Logger
	tracker    *lifecycle.CycleTracker
	now        func() time.Time
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Name == "" {
		return nil, errors.New("scheduler: name is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler %s: interval must be positive, got %v", cfg.Name, cfg.Interval)
	}
	if cfg.Cycle == nil {
		return nil, fmt.Errorf("scheduler %s: cycle is required", cfg.Name)
	}
	if cfg.Tracker == nil {
		cfg.Tracker = lifecycle.NewCycleTracker()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Tracker.Register(cfg.Name)
	return &Scheduler{
		name:       cfg.Name,
		interval:   cfg.Interval,
		cycle:      cfg.Cycle,
		runOnStart: cfg.RunOnStart,
		logger:     observability.Component(cfg.Logger, "scheduler").With(zap.String("job", cfg.Name)),
		tracker:    cfg.Tracker,
		now:        cfg.Now,
	}, nil
}

// Run blocks until ctx is done and returns ctx.Err(). Cycle failures and
// panics are logged and recorded; they never stop the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.runOnStart {
		s.runCycle(ctx)
	}

	delay := NextDelay(s.now(), s.interval)
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("first_run_in", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.logger.Info("scheduler stopped")
		return ctx.Err()
	case <-timer.C:
	}

	// The ticker buffers at most one tick, so boundaries passed during a slow
	// cycle collapse into a single follow-up run.
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	s.tracker.RecordCycleStart(s.name, start)

	err := s.safeCycle(ctx)
	end := s.now()
	s.tracker.RecordCycleResult(s.name, end, err)

	elapsed := end.Sub(start)
	if err != nil {
		s.logger.Warn("cycle failed, waiting for next boundary", zap.Error(err), zap.Duration("duration", elapsed))
	} else {
		s.logger.Debug("cycle finished", zap.Duration("duration", elapsed))
	}

	if passed := int(elapsed / s.interval); passed > 0 {
		coalesced := passed - 1
		if coalesced > 0 {
			observability.RefreshOverrunsTotal.WithLabelValues(s.name).Add(float64(coalesced))
		}
		s.logger.Warn("cycle overran its interval",
			zap.Duration("duration", elapsed),
			zap.Int("boundaries_passed", passed),
			zap.Int("boundaries_coalesced", coalesced))
	}
}

func (s *Scheduler) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			s.logger.Error("cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return s.cycle(ctx)
}
