// Package scheduler runs named periodic tasks on cron schedules.
//
//	runner, err := scheduler.NewTaskRunner("timers:* * * * *", tasks, logger)
//	if err != nil {
//	    return err
//	}
//	runner.Start(ctx)
//	defer runner.Stop()
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Task is one periodic unit of work.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// TaskRunner owns one Trigger per schedule entry.
type TaskRunner struct {
	triggers []*Trigger
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskRunner parses spec against the named tasks.
func NewTaskRunner(spec string, tasks map[string]Task, logger *slog.Logger) (*TaskRunner, error) {
	available := make(map[string]bool, len(tasks))
	for name := range tasks {
		available[name] = true
	}
	entries, err := ParseEntries(spec, available)
	if err != nil {
		return nil, err
	}

	r := &TaskRunner{logger: logger}
	for _, e := range entries {
		names := e.Tasks
		fn := func(ctx context.Context) error {
			var errs []string
			for _, name := range names {
				if err := tasks[name].Run(ctx); err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				}
			}
			if len(errs) > 0 {
				return fmt.Errorf("tasks failed: %s", strings.Join(errs, "; "))
			}
			return nil
		}

		trigger, err := NewTrigger(e.CronSpec, fn, logger.With("tasks", names))
		if err != nil {
			return nil, fmt.Errorf("creating trigger for '%s:%s': %w", strings.Join(names, ","), e.CronSpec, err)
		}
		r.triggers = append(r.triggers, trigger)
		logger.Info("scheduled tasks registered", "tasks", names, "schedule", e.CronSpec, "next_run", trigger.NextRun())
	}
	return r, nil
}

// Start launches every trigger and returns immediately. Starting a running
// runner does nothing.
func (r *TaskRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	for _, t := range r.triggers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			t.loop(ctx)
		}()
	}
}

// Stop cancels every trigger and waits for in-flight runs to return.
func (r *TaskRunner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// NextRun returns the earliest scheduled activation, or the zero time.
func (r *TaskRunner) NextRun() time.Time {
	var earliest time.Time
	for _, t := range r.triggers {
		next := t.NextRun()
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	return earliest
}
