package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nomis52/dbflow/jobrun"
	"github.com/nomis52/dbflow/pipeline"
	"github.com/nomis52/dbflow/resource"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Transition is the outcome of entering a flow.
type Transition struct {
	// Status is FlowStatusSucceeded, FlowStatusWaiting, FlowStatusRunning or
	// FlowStatusFailed.
	Status FlowStatus
	Err    error
	Kind   ErrKind
	// Async is started once the transition is stored when Status is
	// FlowStatusRunning. Its result completes the flow.
	Async func(ctx context.Context) Result
	// Abandon undoes what Enter did outside the ticket row when the
	// transition could not be stored.
	Abandon func(ctx context.Context)
}

// Result is the outcome of asynchronous flow work.
type Result struct {
	Err  error
	Kind ErrKind
	// Patch is applied to the ticket before the flow is marked succeeded.
	Patch func(*Ticket) error
}

// StepHandler enters flows of one type. Enter runs while the ticket row is
// locked and may modify f; anything slow belongs in Transition.Async.
type StepHandler interface {
	Enter(ctx context.Context, t *Ticket, f *Flow) (Transition, error)
}

type waitHandler struct{}

func (waitHandler) Enter(context.Context, *Ticket, *Flow) (Transition, error) {
	return Transition{Status: FlowStatusWaiting}, nil
}

type timerHandler struct {
	now func() time.Time
}

func (h timerHandler) Enter(_ context.Context, _ *Ticket, f *Flow) (Transition, error) {
	var p TimerParams
	if err := decodeParams(f, &p); err != nil {
		return Transition{}, err
	}

	now := h.now()
	var due time.Time
	switch {
	case p.TriggerAt != nil:
		due = *p.TriggerAt
	case p.Cron != "":
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return Transition{}, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
		}
		due = sched.Next(now)
	default:
		return Transition{}, fmt.Errorf("timer flow %d needs trigger_at or cron", f.Index)
	}

	if !due.After(now) {
		return Transition{Status: FlowStatusSucceeded}, nil
	}
	due = due.UTC()
	f.DueAt = &due
	return Transition{Status: FlowStatusWaiting}, nil
}

type resourceHandler struct {
	allocator resource.Allocator
}

func (h resourceHandler) Enter(_ context.Context, t *Ticket, f *Flow) (Transition, error) {
	var p ResourceParams
	if err := decodeParams(f, &p); err != nil {
		return Transition{}, err
	}
	if h.allocator == nil {
		return Transition{
			Status: FlowStatusFailed,
			Err:    fmt.Errorf("%w: no allocator configured", ErrReservation),
			Kind:   ErrKindReservation,
		}, nil
	}

	owner, next := t.ID, f.Index+1
	return Transition{
		Status: FlowStatusRunning,
		Async: func(ctx context.Context) Result {
			granted, err := h.allocator.Reserve(ctx, owner, p.Requests)
			if err != nil {
				return Result{Err: fmt.Errorf("%w: %w", ErrReservation, err), Kind: ErrKindReservation}
			}
			return Result{Patch: func(t *Ticket) error {
				if next >= len(t.Flows) {
					return nil
				}
				params, err := patchParams(t.Flows[next].Params, resourcesKey, granted)
				if err != nil {
					return err
				}
				t.Flows[next].Params = params
				return nil
			}}
		},
	}, nil
}

type pipelineHandler struct {
	registry *Registry
	executor *pipeline.Executor
}

func (h pipelineHandler) Enter(ctx context.Context, t *Ticket, f *Flow) (Transition, error) {
	var p PipelineParams
	if err := decodeParams(f, &p); err != nil {
		return Transition{}, err
	}
	factory, err := h.registry.Pipeline(p.Pipeline)
	if err != nil {
		return Transition{}, err
	}
	b, err := factory(t, p)
	if err != nil {
		return Transition{}, fmt.Errorf("building pipeline %q: %w", p.Pipeline, err)
	}
	g, ec, err := b.Build()
	if err != nil {
		return Transition{}, fmt.Errorf("building pipeline %q: %w", p.Pipeline, err)
	}

	resume := f.RunID != ""
	if !resume {
		runID, err := h.executor.Create(ctx, g)
		if err != nil {
			return Transition{}, err
		}
		f.RunID = runID
	}

	runID := f.RunID
	var abandon func(ctx context.Context)
	if !resume {
		abandon = func(ctx context.Context) {
			_ = h.executor.Terminate(ctx, runID)
		}
	}
	return Transition{
		Status:  FlowStatusRunning,
		Abandon: abandon,
		Async: func(ctx context.Context) Result {
			var err error
			if resume {
				err = h.executor.Resume(ctx, runID, g, ec)
			} else {
				err = h.executor.Run(ctx, runID, g, ec)
			}
			if err == nil {
				return Result{}
			}
			return Result{Err: pipelineError(runID, err), Kind: pipelineErrKind(err)}
		},
	}, nil
}

// pipelineError carries the failing node's captured output into the flow error.
func pipelineError(runID string, err error) error {
	var ne *pipeline.NodeError
	if errors.As(err, &ne) {
		if out := ne.Output(); out != "" {
			return fmt.Errorf("run %s: %w\n%s", runID, err, out)
		}
	}
	return fmt.Errorf("run %s: %w", runID, err)
}

func pipelineErrKind(err error) ErrKind {
	if errors.Is(err, jobrun.ErrJobTimeout) {
		return ErrKindTimeout
	}
	return ErrKindExecution
}
