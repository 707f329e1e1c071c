package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/dbflow/metrics"
	"github.com/nomis52/dbflow/pipeline"
	"github.com/nomis52/dbflow/resource"
)

// errStale aborts an update whose flow is no longer the one it was started for.
var errStale = errors.New("flow is no longer current")

// Orchestrator advances tickets through their flows.
type Orchestrator struct {
	store     Store
	registry  *Registry
	executor  *pipeline.Executor
	allocator resource.Allocator
	logger    *slog.Logger
	metrics   *metrics.Engine
	now       func() time.Time
	handlers  map[FlowType]StepHandler

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithMetrics records flow transitions in m.
func WithMetrics(m *metrics.Engine) OrchestratorOption {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAllocator sets the allocator used by resource flows.
func WithAllocator(a resource.Allocator) OrchestratorOption {
	return func(o *Orchestrator) {
		o.allocator = a
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store Store, registry *Registry, executor *pipeline.Executor, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    store,
		registry: registry,
		executor: executor,
		logger:   logger,
		now:      time.Now,
		base:     base,
		stop:     stop,
		active:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.handlers = map[FlowType]StepHandler{
		FlowApproval: waitHandler{},
		FlowPause:    waitHandler{},
		FlowTimer:    timerHandler{now: o.now},
		FlowResource: resourceHandler{allocator: o.allocator},
		FlowPipeline: pipelineHandler{registry: registry, executor: executor},
	}
	return o
}

// Store returns the ticket store.
func (o *Orchestrator) Store() Store {
	return o.store
}

// Create plans, stores and starts a ticket.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	plan, err := o.registry.Plan(req.Type)
	if err != nil {
		return nil, err
	}
	specs, err := plan(req)
	if err != nil {
		return nil, fmt.Errorf("planning %s ticket: %w", req.Type, err)
	}
	flows, err := o.registry.buildFlows(specs)
	if err != nil {
		return nil, err
	}

	now := o.now()
	t := &Ticket{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Requester:  req.Requester,
		BizID:      req.BizID,
		ClusterIDs: req.ClusterIDs,
		Details:    req.Details,
		Status:     StatusPending,
		Flows:      flows,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("storing ticket: %w", err)
	}
	o.logger.Info("ticket created", "ticket_id", t.ID, "type", t.Type, "flows", len(flows))

	return o.mutate(ctx, t.ID, func(t *Ticket) error {
		t.Status = StatusRunning
		return nil
	})
}

// Get returns a ticket.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Ticket, error) {
	return o.store.Get(ctx, id)
}

// List returns tickets matching f.
func (o *Orchestrator) List(ctx context.Context, f Filter) ([]*Ticket, error) {
	return o.store.List(ctx, f)
}

// Approve resolves the waiting approval flow of a ticket. A rejection fails the ticket.
func (o *Orchestrator) Approve(ctx context.Context, id string, approved bool, operator string) (*Ticket, error) {
	return o.mutate(ctx, id, func(t *Ticket) error {
		f, err := waitingFlow(t, FlowApproval)
		if err != nil {
			return err
		}
		f.Operator = operator
		if !approved {
			o.fail(t, f, fmt.Errorf("%w by %s", ErrRejected, operator), ErrKindRejected)
			return nil
		}
		o.succeed(t, f)
		return nil
	})
}

// Continue resumes a ticket waiting on a pause flow.
func (o *Orchestrator) Continue(ctx context.Context, id string, operator string) (*Ticket, error) {
	return o.mutate(ctx, id, func(t *Ticket) error {
		f, err := waitingFlow(t, FlowPause)
		if err != nil {
			return err
		}
		f.Operator = operator
		o.succeed(t, f)
		return nil
	})
}

// FireDueTimers advances every ticket whose waiting timer is due at now and
// returns how many fired.
func (o *Orchestrator) FireDueTimers(ctx context.Context, now time.Time) (int, error) {
	running, err := o.store.List(ctx, Filter{Status: StatusRunning})
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, t := range running {
		if !timerDue(t, now) {
			continue
		}
		_, err := o.mutate(ctx, t.ID, func(t *Ticket) error {
			if !timerDue(t, now) {
				return errStale
			}
			o.succeed(t, t.CurrentFlow())
			return nil
		})
		switch {
		case errors.Is(err, errStale):
		case err != nil:
			o.logger.Error("firing timer failed", "ticket_id", t.ID, "error", err)
		default:
			fired++
		}
	}
	return fired, nil
}

// Retry re-enters the failed current flow. Only flows with a manual retry
// policy can be retried; a pipeline flow resumes its existing run.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Ticket, error) {
	return o.mutate(ctx, id, func(t *Ticket) error {
		f := t.CurrentFlow()
		if t.Status != StatusFailed || f == nil || f.Status != FlowStatusFailed {
			return fmt.Errorf("%w: ticket %s is %s", ErrNotRetryable, t.ID, t.Status)
		}
		if f.Retry != RetryManual {
			return fmt.Errorf("%w: flow %d has retry policy %s", ErrNotRetryable, f.Index, f.Retry)
		}
		o.logger.Info("retrying flow", "ticket_id", t.ID, "flow", f.Index, "type", f.Type)
		f.Status = FlowStatusPending
		f.Err = ""
		f.ErrKind = ""
		f.EndedAt = nil
		t.Status = StatusRunning
		return nil
	})
}

// Terminate stops a ticket. The current flow is marked terminated and any
// asynchronous work for it, including a running pipeline, is cancelled.
func (o *Orchestrator) Terminate(ctx context.Context, id string, operator string) (*Ticket, error) {
	var runID string
	t, err := o.store.Update(ctx, id, func(t *Ticket) error {
		if t.Status == StatusSucceeded || t.Status == StatusTerminated {
			return fmt.Errorf("%w: ticket %s is already %s", ErrInvalidState, t.ID, t.Status)
		}
		if f := t.CurrentFlow(); f != nil {
			if f.Type == FlowPipeline && f.Status == FlowStatusRunning {
				runID = f.RunID
			}
			if f.Status != FlowStatusSucceeded && f.Status != FlowStatusFailed {
				f.Operator = operator
				o.setStatus(f, FlowStatusTerminated)
			}
		}
		t.Status = StatusTerminated
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("ticket terminated", "ticket_id", id, "operator", operator)

	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	if runID != "" {
		if err := o.executor.Terminate(ctx, runID); err != nil {
			o.logger.Warn("terminating run failed", "ticket_id", id, "run_id", runID, "error", err)
		}
	}
	o.release(ctx, t)
	return t, nil
}

// ReportStats publishes the number of tickets in each status.
func (o *Orchestrator) ReportStats(ctx context.Context) error {
	tickets, err := o.store.List(ctx, Filter{})
	if err != nil {
		return err
	}
	counts := map[string]int{
		string(StatusPending):    0,
		string(StatusRunning):    0,
		string(StatusSucceeded):  0,
		string(StatusFailed):     0,
		string(StatusTerminated): 0,
	}
	for _, t := range tickets {
		counts[string(t.Status)]++
	}
	o.metrics.TicketCounts(counts)
	return nil
}

// Wait blocks until all asynchronous flow work has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels outstanding asynchronous work and waits for it.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

type launch struct {
	index   int
	run     func(ctx context.Context) Result
	abandon func(ctx context.Context)
}

// mutate applies fn, advances the ticket as far as it can go synchronously
// and starts any asynchronous work the current flow needs.
func (o *Orchestrator) mutate(ctx context.Context, id string, fn func(*Ticket) error) (*Ticket, error) {
	var pending *launch
	t, err := o.store.Update(ctx, id, func(t *Ticket) error {
		if pending != nil && pending.abandon != nil {
			pending.abandon(ctx)
		}
		pending = nil
		if err := fn(t); err != nil {
			return err
		}
		pending = o.advance(ctx, t)
		return nil
	})
	if err != nil {
		// The run record created while entering the flow has no stored
		// ticket pointing at it; mark it terminated so it never starts.
		if pending != nil && pending.abandon != nil {
			o.logger.Warn("abandoning flow after failed update", "ticket_id", id, "flow", pending.index, "error", err)
			pending.abandon(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	if pending != nil {
		o.start(id, *pending)
	}
	if t.Status == StatusSucceeded {
		o.release(ctx, t)
	}
	return t, nil
}

// advance enters pending flows until one waits, runs asynchronously, fails
// or the ticket completes.
func (o *Orchestrator) advance(ctx context.Context, t *Ticket) *launch {
	for t.Status == StatusRunning {
		f := t.CurrentFlow()
		if f == nil {
			t.Status = StatusSucceeded
			o.logger.Info("ticket succeeded", "ticket_id", t.ID)
			return nil
		}
		switch f.Status {
		case FlowStatusSucceeded:
			t.Current++
			continue
		case FlowStatusPending:
		default:
			return nil
		}

		handler, ok := o.handlers[f.Type]
		if !ok {
			o.fail(t, f, fmt.Errorf("no handler for flow type %q", f.Type), ErrKindExecution)
			return nil
		}
		now := o.now()
		f.StartedAt = &now
		o.logger.Info("entering flow", "ticket_id", t.ID, "flow", f.Index, "type", f.Type)

		tr, err := handler.Enter(ctx, t, f)
		if err != nil {
			o.fail(t, f, err, ErrKindExecution)
			return nil
		}
		switch tr.Status {
		case FlowStatusSucceeded:
			o.succeed(t, f)
		case FlowStatusWaiting:
			o.setStatus(f, FlowStatusWaiting)
			return nil
		case FlowStatusRunning:
			o.setStatus(f, FlowStatusRunning)
			if tr.Async == nil {
				return nil
			}
			return &launch{index: f.Index, run: tr.Async, abandon: tr.Abandon}
		default:
			kind := tr.Kind
			if kind == "" {
				kind = ErrKindExecution
			}
			o.fail(t, f, tr.Err, kind)
			return nil
		}
	}
	return nil
}

// start runs l in the background and completes its flow with the result.
func (o *Orchestrator) start(id string, l launch) {
	ctx, cancel := context.WithCancel(o.base)
	o.mu.Lock()
	o.active[id] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res := l.run(ctx)

		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
		cancel()

		o.complete(id, l.index, res)
	}()
}

func (o *Orchestrator) complete(id string, index int, res Result) {
	ctx := context.WithoutCancel(o.base)
	_, err := o.mutate(ctx, id, func(t *Ticket) error {
		f := t.CurrentFlow()
		if t.Status != StatusRunning || f == nil || f.Index != index || f.Status != FlowStatusRunning {
			return errStale
		}
		if res.Err != nil {
			kind := res.Kind
			if kind == "" {
				kind = ErrKindExecution
			}
			o.fail(t, f, res.Err, kind)
			return nil
		}
		if res.Patch != nil {
			if err := res.Patch(t); err != nil {
				o.fail(t, f, err, ErrKindExecution)
				return nil
			}
		}
		o.succeed(t, f)
		return nil
	})
	switch {
	case errors.Is(err, errStale):
		o.logger.Info("dropping result of stale flow", "ticket_id", id, "flow", index)
	case err != nil:
		o.logger.Error("completing flow failed", "ticket_id", id, "flow", index, "error", err)
	}
}

func (o *Orchestrator) succeed(t *Ticket, f *Flow) {
	o.setStatus(f, FlowStatusSucceeded)
	o.logger.Info("flow succeeded", "ticket_id", t.ID, "flow", f.Index, "type", f.Type)
}

// fail halts the ticket at f.
func (o *Orchestrator) fail(t *Ticket, f *Flow, err error, kind ErrKind) {
	if err == nil {
		err = errors.New("flow failed")
	}
	f.Err = err.Error()
	f.ErrKind = kind
	o.setStatus(f, FlowStatusFailed)
	t.Status = StatusFailed
	o.logger.Warn("flow failed", "ticket_id", t.ID, "flow", f.Index, "type", f.Type, "kind", kind, "error", err)
}

func (o *Orchestrator) setStatus(f *Flow, status FlowStatus) {
	f.Status = status
	switch status {
	case FlowStatusSucceeded, FlowStatusFailed, FlowStatusTerminated:
		now := o.now()
		f.EndedAt = &now
	}
	o.metrics.FlowTransition(string(f.Type), string(status))
}

func (o *Orchestrator) release(ctx context.Context, t *Ticket) {
	if o.allocator == nil {
		return
	}
	if err := o.allocator.Release(ctx, t.ID); err != nil {
		o.logger.Warn("releasing resources failed", "ticket_id", t.ID, "error", err)
	}
}

func waitingFlow(t *Ticket, typ FlowType) (*Flow, error) {
	f := t.CurrentFlow()
	if t.Status != StatusRunning || f == nil || f.Type != typ || f.Status != FlowStatusWaiting {
		return nil, fmt.Errorf("%w: ticket %s is not waiting on %s", ErrInvalidState, t.ID, typ)
	}
	return f, nil
}

func timerDue(t *Ticket, now time.Time) bool {
	f := t.CurrentFlow()
	return t.Status == StatusRunning && f != nil && f.Type == FlowTimer &&
		f.Status == FlowStatusWaiting && f.DueAt != nil && !f.DueAt.After(now)
}
