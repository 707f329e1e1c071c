package ticket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/logging"
	"github.com/nomis52/dbflow/metrics"
	"github.com/nomis52/dbflow/pipeline"
	"github.com/nomis52/dbflow/record"
	"github.com/nomis52/dbflow/resource"
)

type fixture struct {
	o        *Orchestrator
	registry *Registry
	records  *record.MemoryStore
	builds   atomic.Int32
	params   []PipelineParams
	mu       sync.Mutex
}

func newFixture(t *testing.T, opts ...OrchestratorOption) *fixture {
	t.Helper()
	f := &fixture{
		registry: NewRegistry(),
		records:  record.NewMemoryStore(),
	}
	exec := pipeline.NewExecutor(f.records, logging.Discard())
	f.o = NewOrchestrator(NewMemoryStore(), f.registry, exec, logging.Discard(), opts...)
	t.Cleanup(f.o.Close)
	return f
}

// pipeline registers name as a pipeline of the given activities in sequence.
func (f *fixture) pipeline(t *testing.T, name string, activities map[string]pipeline.Activity, order ...string) {
	t.Helper()
	require.NoError(t, f.registry.RegisterPipeline(name, func(tk *Ticket, p PipelineParams) (*pipeline.Builder, error) {
		f.builds.Add(1)
		f.mu.Lock()
		f.params = append(f.params, p)
		f.mu.Unlock()

		global, err := p.GlobalData()
		if err != nil {
			return nil, err
		}
		b := pipeline.NewBuilder(name, global)
		for _, n := range order {
			if err := b.AddActivity(n, activities[n], nil); err != nil {
				return nil, err
			}
		}
		return b, nil
	}))
}

func (f *fixture) plan(t *testing.T, tt TicketType, specs ...FlowSpec) {
	t.Helper()
	require.NoError(t, f.registry.RegisterTicketType(tt, func(CreateRequest) ([]FlowSpec, error) {
		return specs, nil
	}))
}

func (f *fixture) create(t *testing.T, tt TicketType) *Ticket {
	t.Helper()
	tk, err := f.o.Create(context.Background(), CreateRequest{Type: tt, Requester: "alice", BizID: 7})
	require.NoError(t, err)
	f.o.Wait()
	return f.get(t, tk.ID)
}

func (f *fixture) get(t *testing.T, id string) *Ticket {
	t.Helper()
	tk, err := f.o.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func counting(calls *atomic.Int32, fn func(ctx context.Context, ec *flowctx.Context) error) pipeline.Activity {
	return pipeline.ActivityFunc(func(ctx context.Context, ec *flowctx.Context) error {
		calls.Add(1)
		if fn == nil {
			return nil
		}
		return fn(ctx, ec)
	})
}

func flowStatuses(tk *Ticket) []FlowStatus {
	out := make([]FlowStatus, len(tk.Flows))
	for i, f := range tk.Flows {
		out[i] = f.Status
	}
	return out
}

func TestOrchestrator_ApprovalThenPipeline(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.pipeline(t, "upgrade", map[string]pipeline.Activity{"a": counting(&calls, nil)}, "a")
	f.plan(t, "mysql_upgrade",
		FlowSpec{Type: FlowApproval},
		FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "upgrade"}},
	)

	tk := f.create(t, "mysql_upgrade")
	assert.Equal(t, StatusRunning, tk.Status)
	assert.Equal(t, []FlowStatus{FlowStatusWaiting, FlowStatusPending}, flowStatuses(tk))
	assert.Zero(t, f.builds.Load())

	_, err := f.o.Approve(context.Background(), tk.ID, true, "bob")
	require.NoError(t, err)
	f.o.Wait()

	tk = f.get(t, tk.ID)
	assert.Equal(t, StatusSucceeded, tk.Status)
	assert.Equal(t, []FlowStatus{FlowStatusSucceeded, FlowStatusSucceeded}, flowStatuses(tk))
	assert.Equal(t, "bob", tk.Flows[0].Operator)
	assert.Equal(t, int32(1), calls.Load())

	run, err := f.records.GetRun(context.Background(), tk.Flows[1].RunID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusSucceeded, run.Status)
}

func TestOrchestrator_RejectFailsTicket(t *testing.T) {
	f := newFixture(t)
	f.pipeline(t, "upgrade", map[string]pipeline.Activity{"a": pipeline.ActivityFunc(func(context.Context, *flowctx.Context) error { return nil })}, "a")
	f.plan(t, "mysql_upgrade",
		FlowSpec{Type: FlowApproval},
		FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "upgrade"}},
	)

	tk := f.create(t, "mysql_upgrade")
	_, err := f.o.Approve(context.Background(), tk.ID, false, "bob")
	require.NoError(t, err)
	f.o.Wait()

	tk = f.get(t, tk.ID)
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, ErrKindRejected, tk.Flows[0].ErrKind)
	assert.Contains(t, tk.Flows[0].Err, ErrRejected.Error())
	assert.Equal(t, FlowStatusPending, tk.Flows[1].Status)
	assert.Zero(t, f.builds.Load())

	_, err = f.o.Approve(context.Background(), tk.ID, true, "bob")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOrchestrator_ReservationFailureNeverBuildsPipeline(t *testing.T) {
	alloc := resource.NewPoolAllocator(map[string][]string{"mysql": {"10.0.0.1"}})
	f := newFixture(t, WithAllocator(alloc))
	f.pipeline(t, "deploy", map[string]pipeline.Activity{"a": pipeline.ActivityFunc(func(context.Context, *flowctx.Context) error { return nil })}, "a")
	f.plan(t, "mysql_apply",
		FlowSpec{Type: FlowResource, Params: ResourceParams{Requests: []resource.Request{{Pool: "mysql", Count: 2}}}},
		FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "deploy"}},
	)

	tk := f.create(t, "mysql_apply")
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, ErrKindReservation, tk.Flows[0].ErrKind)
	assert.Contains(t, tk.Flows[0].Err, ErrReservation.Error())
	assert.Equal(t, FlowStatusPending, tk.Flows[1].Status)
	assert.Zero(t, f.builds.Load())
	assert.Equal(t, 1, alloc.Free("mysql"))
}

func TestOrchestrator_ResourcesFlowIntoPipeline(t *testing.T) {
	alloc := resource.NewPoolAllocator(map[string][]string{"mysql": {"10.0.0.1", "10.0.0.2"}})
	f := newFixture(t, WithAllocator(alloc))

	var hosts []resource.Resource
	f.pipeline(t, "deploy", map[string]pipeline.Activity{
		"a": pipeline.ActivityFunc(func(_ context.Context, ec *flowctx.Context) error {
			return ec.Global.Decode("resources", &hosts)
		}),
	}, "a")
	f.plan(t, "mysql_apply",
		FlowSpec{Type: FlowResource, Params: ResourceParams{Requests: []resource.Request{{Pool: "mysql", Count: 2}}}},
		FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "deploy"}},
	)

	tk := f.create(t, "mysql_apply")
	assert.Equal(t, StatusSucceeded, tk.Status)
	assert.Len(t, hosts, 2)
	require.Len(t, f.params, 1)
	assert.Len(t, f.params[0].Resources, 2)

	// Resources are returned once the ticket completes.
	assert.Equal(t, 2, alloc.Free("mysql"))
}

func TestOrchestrator_PipelineFailureHaltsTicket(t *testing.T) {
	f := newFixture(t)
	f.pipeline(t, "deploy", map[string]pipeline.Activity{
		"a": pipeline.ActivityFunc(func(_ context.Context, ec *flowctx.Context) error {
			ec.Logger().Error("replication broken", "host", "10.0.0.1")
			return errors.New("apply failed")
		}),
	}, "a")
	f.plan(t, "mysql_apply",
		FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "deploy"}},
		FlowSpec{Type: FlowPause},
	)

	tk := f.create(t, "mysql_apply")
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, []FlowStatus{FlowStatusFailed, FlowStatusPending}, flowStatuses(tk))
	assert.Equal(t, ErrKindExecution, tk.Flows[0].ErrKind)
	assert.Contains(t, tk.Flows[0].Err, "apply failed")
	assert.Contains(t, tk.Flows[0].Err, "replication broken")

	_, err := f.o.Retry(context.Background(), tk.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestOrchestrator_RetryResumesRun(t *testing.T) {
	f := newFixture(t)
	var aCalls, bCalls atomic.Int32
	f.pipeline(t, "deploy", map[string]pipeline.Activity{
		"a": counting(&aCalls, nil),
		"b": counting(&bCalls, func(context.Context, *flowctx.Context) error {
			if bCalls.Load() == 1 {
				return errors.New("transient")
			}
			return nil
		}),
	}, "a", "b")
	f.plan(t, "mysql_apply",
		FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "deploy"}, Retry: RetryManual},
	)

	tk := f.create(t, "mysql_apply")
	require.Equal(t, StatusFailed, tk.Status)
	runID := tk.Flows[0].RunID
	require.NotEmpty(t, runID)

	_, err := f.o.Retry(context.Background(), tk.ID)
	require.NoError(t, err)
	f.o.Wait()

	tk = f.get(t, tk.ID)
	assert.Equal(t, StatusSucceeded, tk.Status)
	assert.Equal(t, runID, tk.Flows[0].RunID)
	assert.Equal(t, int32(1), aCalls.Load())
	assert.Equal(t, int32(2), bCalls.Load())
	assert.Empty(t, tk.Flows[0].Err)
}

func TestOrchestrator_PauseAndContinue(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "restart", FlowSpec{Type: FlowPause}, FlowSpec{Type: FlowPause})

	tk := f.create(t, "restart")
	assert.Equal(t, []FlowStatus{FlowStatusWaiting, FlowStatusPending}, flowStatuses(tk))

	_, err := f.o.Approve(context.Background(), tk.ID, true, "bob")
	assert.ErrorIs(t, err, ErrInvalidState)

	tk, err = f.o.Continue(context.Background(), tk.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, tk.Current)
	assert.Equal(t, FlowStatusWaiting, tk.Flows[1].Status)

	tk, err = f.o.Continue(context.Background(), tk.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, tk.Status)
}

func TestOrchestrator_TimerTriggerAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	at := now.Add(time.Hour)
	f.plan(t, "scheduled", FlowSpec{Type: FlowTimer, Params: TimerParams{TriggerAt: &at}}, FlowSpec{Type: FlowPause})

	tk := f.create(t, "scheduled")
	require.Equal(t, FlowStatusWaiting, tk.Flows[0].Status)
	require.NotNil(t, tk.Flows[0].DueAt)
	assert.True(t, at.Equal(*tk.Flows[0].DueAt))

	n, err := f.o.FireDueTimers(context.Background(), now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.o.FireDueTimers(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tk = f.get(t, tk.ID)
	assert.Equal(t, []FlowStatus{FlowStatusSucceeded, FlowStatusWaiting}, flowStatuses(tk))
}

func TestOrchestrator_TimerCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	f.plan(t, "nightly", FlowSpec{Type: FlowTimer, Params: TimerParams{Cron: "0 3 * * *"}})

	tk := f.create(t, "nightly")
	require.NotNil(t, tk.Flows[0].DueAt)
	assert.True(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC).Equal(*tk.Flows[0].DueAt))

	n, err := f.o.FireDueTimers(context.Background(), time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSucceeded, f.get(t, tk.ID).Status)
}

func TestOrchestrator_TimerInThePastSucceedsImmediately(t *testing.T) {
	f := newFixture(t)
	at := time.Now().Add(-time.Minute)
	f.plan(t, "late", FlowSpec{Type: FlowTimer, Params: TimerParams{TriggerAt: &at}})

	tk := f.create(t, "late")
	assert.Equal(t, StatusSucceeded, tk.Status)
}

func TestOrchestrator_TerminateCancelsRun(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.pipeline(t, "long", map[string]pipeline.Activity{
		"wait": pipeline.ActivityFunc(func(ctx context.Context, _ *flowctx.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	}, "wait")
	f.plan(t, "long", FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "long"}}, FlowSpec{Type: FlowPause})

	tk, err := f.o.Create(context.Background(), CreateRequest{Type: "long"})
	require.NoError(t, err)
	<-started

	tk, err = f.o.Terminate(context.Background(), tk.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, tk.Status)
	f.o.Wait()

	tk = f.get(t, tk.ID)
	assert.Equal(t, StatusTerminated, tk.Status)
	assert.Equal(t, []FlowStatus{FlowStatusTerminated, FlowStatusPending}, flowStatuses(tk))

	run, err := f.records.GetRun(context.Background(), tk.Flows[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, record.StatusTerminated, run.Status)

	_, err = f.o.Terminate(context.Background(), tk.ID, "bob")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOrchestrator_CreateRejectsUnknownNames(t *testing.T) {
	f := newFixture(t)

	_, err := f.o.Create(context.Background(), CreateRequest{Type: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTicketType)

	f.plan(t, "broken", FlowSpec{Type: FlowPipeline, Params: PipelineParams{Pipeline: "missing"}})
	_, err = f.o.Create(context.Background(), CreateRequest{Type: "broken"})
	assert.ErrorIs(t, err, ErrUnknownPipeline)

	list, err := f.o.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	plan := func(CreateRequest) ([]FlowSpec, error) { return nil, nil }
	require.NoError(t, r.RegisterTicketType("a", plan))
	assert.Error(t, r.RegisterTicketType("a", plan))

	factory := func(*Ticket, PipelineParams) (*pipeline.Builder, error) { return nil, nil }
	require.NoError(t, r.RegisterPipeline("p", factory))
	assert.Error(t, r.RegisterPipeline("p", factory))
	assert.Equal(t, []TicketType{"a"}, r.TicketTypes())
}

func TestMemoryStore_ConcurrentUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Ticket{ID: "t1", CreatedAt: time.Now()}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "t1", func(tk *Ticket) error {
				tk.BizID++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tk, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), tk.BizID)

	_, err = s.Update(ctx, "t1", func(*Ticket) error { return fmt.Errorf("boom") })
	assert.Error(t, err)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrchestrator_ReportStats(t *testing.T) {
	reg, err := metrics.NewScrapeRegistry("dbflow")
	require.NoError(t, err)
	engine, err := metrics.NewEngine(reg)
	require.NoError(t, err)

	f := newFixture(t, WithMetrics(engine))
	f.plan(t, "restart", FlowSpec{Type: FlowPause})
	f.create(t, "restart")
	tk := f.create(t, "restart")
	_, err = f.o.Continue(context.Background(), tk.ID, "bob")
	require.NoError(t, err)

	require.NoError(t, f.o.ReportStats(context.Background()))

	w := httptest.NewRecorder()
	reg.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `dbflow_tickets{status="running"} 1`)
	assert.Contains(t, body, `dbflow_tickets{status="succeeded"} 1`)
	assert.Contains(t, body, `dbflow_tickets{status="failed"} 0`)
	assert.Contains(t, body, `dbflow_flow_transitions_total{status="waiting",type="pause"} 2`)
}
