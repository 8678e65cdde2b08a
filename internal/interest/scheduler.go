package interest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chunkvault/chunkvault/internal/lock"
)

// Clock abstracts time for the scheduler loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now().UTC() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Scheduler fires the accruer at every instant of a cron schedule. Instants
// missed while the process was down are not replayed.
type Scheduler struct {
	accruer  *Accruer
	schedule cron.Schedule
	locker   lock.Locker
	clock    Clock
	logger   *slog.Logger
}

// NewScheduler parses a standard five-field cron expression, e.g. "0 0 * * 0"
// for Sundays at midnight UTC.
func NewScheduler(accruer *Accruer, spec string, locker lock.Locker, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse interest schedule %q: %w", spec, err)
	}
	return &Scheduler{
		accruer:  accruer,
		schedule: schedule,
		locker:   locker,
		clock:    systemClock{},
		logger:   logger,
	}, nil
}

// WithClock replaces the wall clock, for tests.
func (s *Scheduler) WithClock(clock Clock) *Scheduler {
	s.clock = clock
	return s
}

// NextRun returns the first scheduled instant after t.
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx is cancelled, running one accrual per scheduled instant.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.clock.Now()
		next := s.NextRun(now)
		s.logger.Info("next interest accrual scheduled", "at", next)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(next.Sub(now)):
		}
		s.RunPeriod(ctx, next)
	}
}

// RunPeriod accrues interest for period unless another instance holds the
// period's lock. The pass itself is not interrupted by ctx cancellation.
func (s *Scheduler) RunPeriod(ctx context.Context, period time.Time) {
	unlock, err := s.locker.TryLock(ctx, PeriodRef(period))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			s.logger.Info("interest accrual running elsewhere", "period", period)
			return
		}
		s.logger.Error("lock interest period", "period", period, "error", err)
		return
	}
	defer unlock()

	if _, err := s.accruer.Run(context.WithoutCancel(ctx), period); err != nil {
		s.logger.Error("interest accrual incomplete", "period", period, "error", err)
	}
}
