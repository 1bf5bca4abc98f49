package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is the single background timer that escalates requests past their
// deadline.
type Sweeper struct {
	Gate     *Gate
	Schedule string
	Now      func() time.Time
}

func NewSweeper(gate *Gate, schedule string) *Sweeper {
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	return &Sweeper{Gate: gate, Schedule: schedule, Now: time.Now}
}

// Run sweeps once, then on every tick of the schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Gate == nil {
		return errors.New("gate required")
	}
	schedule := s.Schedule
	if schedule == "" {
		schedule = defaultSweepSchedule
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	s.sweep(ctx)
	c := cron.New()
	c.Schedule(parsed, cron.FuncJob(func() { s.sweep(ctx) }))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// SweepOnce escalates every overdue request and returns how many changed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.Gate == nil {
		return 0, errors.New("gate required")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	changed, err := s.Gate.SweepExpired(ctx, now())
	return len(changed), err
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		slog.Error("approval sweep failed", "error", err)
	}
	if n > 0 {
		slog.Info("approval sweep escalated requests", "count", n)
	}
}
