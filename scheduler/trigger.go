package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronSpec is returned when a cron specification cannot be parsed.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// Trigger calls fn at every activation of a cron schedule.
type Trigger struct {
	spec     string
	schedule cron.Schedule
	fn       func(ctx context.Context) error
	logger   *slog.Logger
}

// NewTrigger parses spec (5 fields: minute, hour, day, month, weekday).
func NewTrigger(spec string, fn func(ctx context.Context) error, logger *slog.Logger) (*Trigger, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, errors.Join(ErrInvalidCronSpec, err)
	}
	return &Trigger{
		spec:     spec,
		schedule: schedule,
		fn:       fn,
		logger:   logger.With("schedule", spec),
	}, nil
}

// NextRun returns the next activation after now.
func (t *Trigger) NextRun() time.Time {
	return t.schedule.Next(time.Now())
}

// loop blocks until ctx is cancelled.
func (t *Trigger) loop(ctx context.Context) {
	for {
		next := t.schedule.Next(time.Now())
		wait := time.Until(next)
		t.logger.Debug("waiting for next scheduled run", "next_run", next, "wait_duration", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.logger.Debug("trigger shutting down")
			return
		case <-timer.C:
			t.fire(ctx)
		}
	}
}

func (t *Trigger) fire(ctx context.Context) {
	if err := t.fn(ctx); err != nil {
		t.logger.Warn("scheduled run completed with error", "error", err)
		return
	}
	t.logger.Debug("scheduled run completed")
}
