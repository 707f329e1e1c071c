// Package record persists the execution records of pipeline runs so that a
// retried run resumes from its first non-succeeded node.
package record

import (
	"time"

	"github.com/nomis52/dbflow/flowctx"
	"github.com/nomis52/dbflow/logging"
)

// Status is the status of a run or node.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusTerminated:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a node may move from s to next outside of a retry.
// Terminal statuses are final.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return true
	case StatusRunning:
		return next != StatusPending
	default:
		return false
	}
}

// NodeKind is the structural kind of a node.
type NodeKind string

const (
	KindActivity    NodeKind = "activity"
	KindParallel    NodeKind = "parallel"
	KindSubPipeline NodeKind = "sub_pipeline"
)

// Node is the record of one graph node.
type Node struct {
	ID          string               `json:"id"`
	RunID       string               `json:"run_id"`
	Name        string               `json:"name"`
	Kind        NodeKind             `json:"kind"`
	Parent      string               `json:"parent,omitempty"`
	Position    int                  `json:"position"`
	BestEffort  bool                 `json:"best_effort,omitempty"`
	Status      Status               `json:"status"`
	JobHandle   string               `json:"job_handle,omitempty"`
	HostResults []flowctx.HostResult `json:"host_results,omitempty"`
	Error       string               `json:"error,omitempty"`
	Logs        []logging.LogEntry   `json:"logs,omitempty"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	EndedAt     *time.Time           `json:"ended_at,omitempty"`
}

// Run is the root record of one pipeline run.
type Run struct {
	ID        string           `json:"id"`
	Pipeline  string           `json:"pipeline"`
	Status    Status           `json:"status"`
	Nodes     map[string]*Node `json:"nodes"`
	Trans     flowctx.Snapshot `json:"trans"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	out := *r
	out.Nodes = make(map[string]*Node, len(r.Nodes))
	for id, n := range r.Nodes {
		cp := *n
		cp.HostResults = append([]flowctx.HostResult(nil), n.HostResults...)
		cp.Logs = append([]logging.LogEntry(nil), n.Logs...)
		out.Nodes[id] = &cp
	}
	out.Trans = flowctx.Restore(r.Trans).Snapshot()
	return &out
}

// Summary is a short view of a run for listings.
type Summary struct {
	ID        string     `json:"id"`
	Pipeline  string     `json:"pipeline"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Summary returns the listing view of r.
func (r *Run) Summary() Summary {
	return Summary{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		EndedAt:   r.EndedAt,
	}
}
