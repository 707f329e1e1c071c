package record

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/logging"
)

func newTestRun(id string) *Run {
	now := time.Now()
	return &Run{
		ID:        id,
		Pipeline:  "mysql_install",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Nodes: map[string]*Node{
			"0":   {ID: "0", RunID: id, Name: "A", Kind: KindActivity, Position: 0, Status: StatusPending},
			"1":   {ID: "1", RunID: id, Name: "B", Kind: KindParallel, Position: 1, Status: StatusPending},
			"1.0": {ID: "1.0", RunID: id, Name: "B1", Kind: KindActivity, Parent: "1", Position: 0, Status: StatusPending},
			"2":   {ID: "2", RunID: id, Name: "C", Kind: KindActivity, Position: 2, Status: StatusPending},
		},
	}
}

func setStatus(s Status) func(*Node) error {
	return func(n *Node) error {
		n.Status = s
		return nil
	}
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	f := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"disk": func(t *testing.T) Store {
			s, err := NewDiskStore(t.TempDir(), 100, logging.Discard())
			require.NoError(t, err)
			return s
		},
	}
	if addr := os.Getenv("DBFLOW_TEST_REDIS_ADDR"); addr != "" {
		f["redis"] = func(t *testing.T) Store {
			s := NewRedisStore(RedisConfig{Addrs: []string{addr}, Namespace: "dbflow-test-" + uuid.NewString()}, logging.Discard())
			require.NoError(t, s.Ping(context.Background()))
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return f
}

func TestStore_CreateGet(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.CreateRun(ctx, newTestRun("r1")))
			assert.ErrorIs(t, s.CreateRun(ctx, newTestRun("r1")), ErrExists)

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "mysql_install", run.Pipeline)
			assert.Len(t, run.Nodes, 4)

			_, err = s.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_UpdateNodeMonotonic(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.CreateRun(ctx, newTestRun("r1")))

			_, err := s.UpdateNode(ctx, "r1", "0", setStatus(StatusRunning))
			require.NoError(t, err)
			n, err := s.UpdateNode(ctx, "r1", "0", func(n *Node) error {
				n.Status = StatusSucceeded
				n.JobHandle = "42"
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, StatusSucceeded, n.Status)

			_, err = s.UpdateNode(ctx, "r1", "0", setStatus(StatusFailed))
			assert.ErrorIs(t, err, ErrInvalidTransition)
			_, err = s.UpdateNode(ctx, "r1", "0", setStatus(StatusPending))
			assert.ErrorIs(t, err, ErrInvalidTransition)

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusSucceeded, run.Nodes["0"].Status)
			assert.Equal(t, "42", run.Nodes["0"].JobHandle)

			_, err = s.UpdateNode(ctx, "r1", "9", setStatus(StatusRunning))
			assert.ErrorIs(t, err, ErrNotFound)

			boom := errors.New("boom")
			_, err = s.UpdateNode(ctx, "r1", "2", func(*Node) error { return boom })
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestStore_ResetForRetry(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.CreateRun(ctx, newTestRun("r1")))

			tr := flowctx.NewTrans()
			require.NoError(t, tr.SetRaw("a_out", json.RawMessage(`{"ok":true}`)))
			require.NoError(t, s.SaveTrans(ctx, "r1", tr.Snapshot()))

			for _, u := range []struct {
				id     string
				status Status
			}{
				{"0", StatusRunning}, {"0", StatusSucceeded},
				{"1", StatusRunning}, {"1.0", StatusRunning}, {"1.0", StatusFailed}, {"1", StatusFailed},
			} {
				_, err := s.UpdateNode(ctx, "r1", u.id, setStatus(u.status))
				require.NoError(t, err)
			}
			require.NoError(t, s.SetRunStatus(ctx, "r1", StatusFailed, "B failed"))

			run, err := s.ResetForRetry(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, run.Status)
			assert.Empty(t, run.Error)
			assert.Equal(t, StatusSucceeded, run.Nodes["0"].Status)
			assert.Equal(t, StatusPending, run.Nodes["1"].Status)
			assert.Equal(t, StatusPending, run.Nodes["1.0"].Status)
			assert.Equal(t, StatusPending, run.Nodes["2"].Status)
			assert.JSONEq(t, `{"ok":true}`, string(run.Trans.Values["a_out"]))
		})
	}
}

func TestStore_ResetForRetryRejectsTerminatedRun(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.CreateRun(ctx, newTestRun("r1")))
			require.NoError(t, s.SetRunStatus(ctx, "r1", StatusTerminated, "terminated"))

			_, err := s.ResetForRetry(ctx, "r1")
			assert.ErrorIs(t, err, ErrTerminated)

			run, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, StatusTerminated, run.Status)
		})
	}
}

func TestResetForRetry_KeepsBestEffortChildOfSucceededParent(t *testing.T) {
	run := newTestRun("r1")
	run.Nodes["1"].Status = StatusSucceeded
	run.Nodes["1.0"].Status = StatusFailed
	run.Nodes["2"].Status = StatusFailed

	require.NoError(t, resetForRetry(run))

	assert.Equal(t, StatusFailed, run.Nodes["1.0"].Status)
	assert.Equal(t, StatusPending, run.Nodes["2"].Status)
}

func TestStore_Runs(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			older := newTestRun("old")
			older.CreatedAt = time.Now().Add(-time.Hour)
			require.NoError(t, s.CreateRun(ctx, older))
			require.NoError(t, s.CreateRun(ctx, newTestRun("new")))

			runs, err := s.Runs(ctx)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "new", runs[0].ID)
			assert.Equal(t, "old", runs[1].ID)
		})
	}
}

func TestDiskStore_ReloadAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewDiskStore(dir, 10, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s1.CreateRun(ctx, newTestRun("r1")))
	_, err = s1.UpdateNode(ctx, "r1", "0", setStatus(StatusRunning))
	require.NoError(t, err)

	s2, err := NewDiskStore(dir, 10, logging.Discard())
	require.NoError(t, err)
	run, err := s2.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Nodes["0"].Status)
}

func TestDiskStore_PrunesFinishedRuns(t *testing.T) {
	ctx := context.Background()
	s, err := NewDiskStore(t.TempDir(), 1, logging.Discard())
	require.NoError(t, err)

	old := newTestRun("old")
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateRun(ctx, old))
	require.NoError(t, s.SetRunStatus(ctx, "old", StatusSucceeded, ""))
	require.NoError(t, s.CreateRun(ctx, newTestRun("new")))

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ID)
}

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusSkipped, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusPending, false},
		{StatusSucceeded, StatusSucceeded, true},
		{StatusSucceeded, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusTerminated, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}
