package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/logging"
	"github.com/nomis52/dbflow/metrics"
	"github.com/nomis52/dbflow/record"
)

// Executor runs graphs and keeps their execution records current.
type Executor struct {
	store   record.Store
	logger  *slog.Logger
	metrics *metrics.Engine

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics records node outcomes in m.
func WithMetrics(m *metrics.Engine) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// NewExecutor creates an executor writing records to store.
func NewExecutor(store record.Store, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		store:  store,
		logger: logger,
		active: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the record store.
func (e *Executor) Store() record.Store {
	return e.store
}

// Create stores a new run record for g with every node pending and returns its id.
func (e *Executor) Create(ctx context.Context, g *Graph) (string, error) {
	now := time.Now()
	run := &record.Run{
		ID:        uuid.NewString(),
		Pipeline:  g.name,
		Status:    record.StatusPending,
		Nodes:     make(map[string]*record.Node, g.Len()),
		CreatedAt: now,
		UpdatedAt: now,
	}
	g.Walk(func(n *Node) {
		run.Nodes[n.id] = &record.Node{
			ID:         n.id,
			RunID:      run.ID,
			Name:       n.name,
			Kind:       n.kind,
			Parent:     n.parent,
			Position:   n.position,
			BestEffort: n.bestEffort,
			Status:     record.StatusPending,
		}
	})

	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run record: %w", err)
	}
	return run.ID, nil
}

// Run executes the run created for g. Nodes already recorded as succeeded are
// not executed again. A terminated run fails with ErrRunTerminated. The
// returned error wraps the failing *NodeError.
func (e *Executor) Run(ctx context.Context, runID string, g *Graph, ec *flowctx.Context) error {
	// The run is tracked before its status is read so that a concurrent
	// Terminate either cancels it or has already marked it terminated.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.track(runID, cancel); err != nil {
		return err
	}
	defer e.untrack(runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == record.StatusTerminated {
		return fmt.Errorf("run %s: %w", runID, ErrRunTerminated)
	}
	if err := matches(run, g); err != nil {
		return err
	}

	if err := e.store.SetRunStatus(ctx, runID, record.StatusRunning, ""); err != nil {
		return err
	}

	r := &runState{
		executor:  e,
		runID:     runID,
		logger:    e.logger.With("run_id", runID, "pipeline", g.name),
		collector: logging.NewLogCollector(),
		done:      make(map[string]bool),
		trans:     ec.Trans,
	}
	for id, n := range run.Nodes {
		if n.Status == record.StatusSucceeded {
			r.done[id] = true
		}
	}

	r.logger.Info("pipeline started", "nodes", len(run.Nodes), "resumed", len(r.done))
	runErr := r.sequence(ctx, g.nodes, ec)

	// The run record is finalised even when the caller's context is gone.
	finalCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveTrans(finalCtx, runID, ec.Trans.Snapshot()); err != nil {
		r.logger.Error("failed to save trans data", "error", err)
	}

	status := record.StatusSucceeded
	errText := ""
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		status = record.StatusTerminated
		errText = runErr.Error()
	default:
		status = record.StatusFailed
		errText = runErr.Error()
	}
	if err := e.store.SetRunStatus(finalCtx, runID, status, errText); err != nil {
		r.logger.Error("failed to set run status", "error", err)
	}

	r.logger.Info("pipeline finished", "status", status)
	return runErr
}

// Resume resets the unresolved nodes of a finished run and runs it again.
// Succeeded nodes keep their status and the trans data recorded so far is restored.
func (e *Executor) Resume(ctx context.Context, runID string, g *Graph, ec *flowctx.Context) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if err := matches(run, g); err != nil {
		return err
	}
	if run.Status == record.StatusTerminated {
		return fmt.Errorf("run %s: %w", runID, ErrRunTerminated)
	}
	if e.isActive(runID) {
		return fmt.Errorf("run %s: %w", runID, ErrRunActive)
	}

	run, err = e.store.ResetForRetry(ctx, runID)
	if err != nil {
		return fmt.Errorf("resetting run %s: %w", runID, err)
	}

	resumed := &flowctx.Context{
		Global: ec.Global,
		Trans:  flowctx.Restore(run.Trans),
	}
	e.logger.Info("resuming pipeline", "run_id", runID, "pipeline", g.name)
	return e.Run(ctx, runID, g, resumed)
}

// Terminate cancels an active run. A run that is not active and not yet
// finished is marked terminated in the record store together with its
// pending nodes, and will not start afterwards.
func (e *Executor) Terminate(ctx context.Context, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, ok := e.active[runID]; ok {
		e.logger.Info("terminating pipeline", "run_id", runID)
		cancel()
		return nil
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	for id, n := range run.Nodes {
		if n.Status != record.StatusPending {
			continue
		}
		if _, err := e.store.UpdateNode(ctx, runID, id, func(n *record.Node) error {
			n.Status = record.StatusTerminated
			return nil
		}); err != nil {
			return fmt.Errorf("terminating node %s: %w", id, err)
		}
	}
	e.logger.Info("pipeline terminated before start", "run_id", runID)
	return e.store.SetRunStatus(ctx, runID, record.StatusTerminated, "terminated")
}

func (e *Executor) track(runID string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[runID]; ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunActive)
	}
	e.active[runID] = cancel
	e.metrics.ActiveRuns(len(e.active))
	return nil
}

func (e *Executor) untrack(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
	e.metrics.ActiveRuns(len(e.active))
}

func (e *Executor) isActive(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[runID]
	return ok
}

// matches checks that g maps onto the nodes of run.
func matches(run *record.Run, g *Graph) error {
	var err error
	count := 0
	g.Walk(func(n *Node) {
		count++
		rn, ok := run.Nodes[n.id]
		if err == nil && (!ok || rn.Name != n.name || rn.Kind != n.kind) {
			err = fmt.Errorf("%w: node %s (%s)", ErrGraphMismatch, n.id, n.name)
		}
	})
	if err != nil {
		return err
	}
	if count != len(run.Nodes) {
		return fmt.Errorf("%w: %d nodes, run has %d", ErrGraphMismatch, count, len(run.Nodes))
	}
	return nil
}

// runState is the state of one execution of a run.
type runState struct {
	executor  *Executor
	runID     string
	logger    *slog.Logger
	collector *logging.LogCollector
	done      map[string]bool // read-only once execution starts
	trans     *flowctx.Trans
	transMu   sync.Mutex
}

func (r *runState) sequence(ctx context.Context, nodes []*Node, ec *flowctx.Context) error {
	for _, n := range nodes {
		if r.done[n.id] {
			r.logger.Debug("skipping succeeded node", "node_id", n.id, "node", n.name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.node(ctx, n, ec); err != nil {
			return err
		}
	}
	return nil
}

func (r *runState) node(ctx context.Context, n *Node, ec *flowctx.Context) error {
	if err := r.start(ctx, n); err != nil {
		return err
	}

	var err error
	switch n.kind {
	case record.KindActivity:
		err = r.activity(ctx, n, ec)
	case record.KindParallel:
		err = r.parallel(ctx, n, ec)
	case record.KindSubPipeline:
		err = r.sequence(ctx, n.children, ec.Scope(n.global))
	default:
		err = fmt.Errorf("unknown node kind %q", n.kind)
	}

	return r.finish(ctx, n, err)
}

func (r *runState) activity(ctx context.Context, n *Node, ec *flowctx.Context) error {
	logger := logging.NodeLogger(r.logger.With("node_id", n.id, "node", n.name), r.collector, n.id)
	nec := ec.ForNode(flowctx.Node{
		ID:       n.id,
		Name:     n.name,
		Kwargs:   n.kwargs.Clone(),
		Logger:   logger,
		Reporter: &nodeReporter{state: r, ctx: ctx, nodeID: n.id},
	})

	err := n.activity.Execute(ctx, nec)
	if err != nil {
		logger.Error("activity failed", "error", err)
	}
	return err
}

func (r *runState) parallel(ctx context.Context, n *Node, ec *flowctx.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(n.children))

	for i, c := range n.children {
		if r.done[c.id] {
			continue
		}
		wg.Add(1)
		go func(i int, c *Node) {
			defer wg.Done()
			errs[i] = r.node(ctx, c, ec)
		}(i, c)
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		c := n.children[i]
		if c.bestEffort && ctx.Err() == nil {
			r.logger.Warn("best-effort member failed", "node_id", c.id, "node", c.name, "error", err)
			continue
		}
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

func (r *runState) start(ctx context.Context, n *Node) error {
	now := time.Now()
	_, err := r.executor.store.UpdateNode(ctx, r.runID, n.id, func(rn *record.Node) error {
		rn.Status = record.StatusRunning
		rn.StartedAt = &now
		rn.EndedAt = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("starting node %s: %w", n.id, err)
	}
	return nil
}

// finish records the outcome of n and returns the error to propagate.
func (r *runState) finish(ctx context.Context, n *Node, runErr error) error {
	status := record.StatusSucceeded
	switch {
	case runErr == nil:
	case ctx.Err() != nil || errors.Is(runErr, context.Canceled):
		status = record.StatusTerminated
	default:
		status = record.StatusFailed
	}

	var logs []logging.LogEntry
	if n.kind == record.KindActivity {
		logs = r.collector.Take(n.id)
	}

	now := time.Now()
	_, err := r.executor.store.UpdateNode(context.WithoutCancel(ctx), r.runID, n.id, func(rn *record.Node) error {
		rn.Status = status
		rn.EndedAt = &now
		rn.Logs = logs
		rn.Error = ""
		if runErr != nil {
			rn.Error = runErr.Error()
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to record node outcome", "node_id", n.id, "error", err)
	}
	r.executor.metrics.NodeFinished(string(status))

	if runErr == nil {
		if n.kind == record.KindActivity {
			r.saveTrans(ctx)
		}
		return nil
	}

	if n.kind != record.KindActivity {
		return runErr
	}
	return &NodeError{NodeID: n.id, Name: n.name, Err: runErr, Logs: logs}
}

func (r *runState) saveTrans(ctx context.Context) {
	r.transMu.Lock()
	defer r.transMu.Unlock()

	if err := r.executor.store.SaveTrans(ctx, r.runID, r.trans.Snapshot()); err != nil {
		r.logger.Warn("failed to save trans data", "error", err)
	}
}

// nodeReporter writes progress of a running activity into its node record.
type nodeReporter struct {
	state  *runState
	ctx    context.Context
	nodeID string
}

func (p *nodeReporter) JobHandle(handle string) {
	_, err := p.state.executor.store.UpdateNode(p.ctx, p.state.runID, p.nodeID, func(rn *record.Node) error {
		rn.JobHandle = handle
		return nil
	})
	if err != nil {
		p.state.logger.Warn("failed to record job handle", "node_id", p.nodeID, "error", err)
	}
}

func (p *nodeReporter) HostResults(results []flowctx.HostResult) {
	_, err := p.state.executor.store.UpdateNode(p.ctx, p.state.runID, p.nodeID, func(rn *record.Node) error {
		rn.HostResults = append([]flowctx.HostResult(nil), results...)
		return nil
	})
	if err != nil {
		p.state.logger.Warn("failed to record host results", "node_id", p.nodeID, "error", err)
	}
}
