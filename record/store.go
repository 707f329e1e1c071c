package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/dbflow/flowctx"
)

var (
	// ErrNotFound is returned when a run or node does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an update would move a node out of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrExists is returned when creating a run whose id is taken.
	ErrExists = errors.New("run already exists")

	// ErrTerminated is returned when a terminated run would be reset for another attempt.
	ErrTerminated = errors.New("run terminated")
)

// Store persists execution records.
type Store interface {
	// CreateRun stores a new run.
	CreateRun(ctx context.Context, run *Run) error
	// GetRun returns a copy of the run.
	GetRun(ctx context.Context, runID string) (*Run, error)
	// UpdateNode applies fn to a copy of the node and stores the result if the
	// status transition is allowed.
	UpdateNode(ctx context.Context, runID, nodeID string, fn func(*Node) error) (*Node, error)
	// SetRunStatus sets the run status and error text.
	SetRunStatus(ctx context.Context, runID string, status Status, errText string) error
	// SaveTrans stores the trans snapshot of the run.
	SaveTrans(ctx context.Context, runID string, trans flowctx.Snapshot) error
	// ResetForRetry moves every unresolved node back to pending. Terminated
	// runs are final and fail with ErrTerminated.
	ResetForRetry(ctx context.Context, runID string) (*Run, error)
	// Runs returns summaries, most recent first.
	Runs(ctx context.Context) ([]Summary, error)
}

// applyNodeUpdate runs fn against a copy of run's node and enforces monotonic status.
func applyNodeUpdate(run *Run, nodeID string, fn func(*Node) error) (*Node, error) {
	n, ok := run.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s of run %s: %w", nodeID, run.ID, ErrNotFound)
	}

	updated := *n
	if err := fn(&updated); err != nil {
		return nil, err
	}
	if !n.Status.CanTransition(updated.Status) {
		return nil, fmt.Errorf("node %s %s -> %s: %w", nodeID, n.Status, updated.Status, ErrInvalidTransition)
	}
	updated.ID = n.ID
	updated.RunID = n.RunID

	run.Nodes[nodeID] = &updated
	run.UpdatedAt = time.Now()
	cp := updated
	return &cp, nil
}

// applyRunStatus sets the status and end time of run.
func applyRunStatus(run *Run, status Status, errText string) {
	now := time.Now()
	run.Status = status
	run.Error = errText
	run.UpdatedAt = now
	if status.Terminal() {
		run.EndedAt = &now
	} else {
		run.EndedAt = nil
	}
}

// resetForRetry moves failed, terminated, skipped and running nodes to pending.
// Succeeded nodes, nodes below a succeeded ancestor and the trans snapshot are kept.
func resetForRetry(run *Run) error {
	if run.Status == StatusTerminated {
		return fmt.Errorf("run %s: %w", run.ID, ErrTerminated)
	}
	for _, n := range run.Nodes {
		if n.Status == StatusSucceeded || n.Status == StatusPending {
			continue
		}
		if hasSucceededAncestor(run, n) {
			continue
		}
		n.Status = StatusPending
		n.Error = ""
		n.JobHandle = ""
		n.HostResults = nil
		n.Logs = nil
		n.StartedAt = nil
		n.EndedAt = nil
	}
	applyRunStatus(run, StatusPending, "")
	return nil
}

func hasSucceededAncestor(run *Run, n *Node) bool {
	for p := n.Parent; p != ""; {
		parent, ok := run.Nodes[p]
		if !ok {
			return false
		}
		if parent.Status == StatusSucceeded {
			return true
		}
		p = parent.Parent
	}
	return false
}
