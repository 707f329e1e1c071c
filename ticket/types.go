// Package ticket drives a ticket through its ordered flows: approval, pause,
// timer, resource reservation and pipeline execution.
package ticket

import (
	"encoding/json"
	"time"
)

// TicketType selects the flow plan of a ticket.
type TicketType string

// Status is the overall status of a ticket.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether no flow will progress without an explicit retry.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTerminated
}

// FlowType is the kind of a flow step.
type FlowType string

const (
	FlowApproval FlowType = "approval"
	FlowPause    FlowType = "pause"
	FlowTimer    FlowType = "timer"
	FlowResource FlowType = "resource"
	FlowPipeline FlowType = "pipeline"
)

// FlowStatus is the status of one flow.
type FlowStatus string

const (
	FlowStatusPending    FlowStatus = "pending"
	FlowStatusRunning    FlowStatus = "running"
	FlowStatusWaiting    FlowStatus = "waiting"
	FlowStatusSucceeded  FlowStatus = "succeeded"
	FlowStatusFailed     FlowStatus = "failed"
	FlowStatusTerminated FlowStatus = "terminated"
)

// RetryPolicy says whether a failed flow may be retried by an operator.
type RetryPolicy string

const (
	RetryNone   RetryPolicy = "none"
	RetryManual RetryPolicy = "manual"
)

// ErrKind classifies a flow failure.
type ErrKind string

const (
	ErrKindExecution   ErrKind = "execution"
	ErrKindReservation ErrKind = "reservation"
	ErrKindRejected    ErrKind = "rejected"
	ErrKindTimeout     ErrKind = "timeout"
)

// Flow is one step of a ticket.
type Flow struct {
	Index     int             `json:"index"`
	Type      FlowType        `json:"type"`
	Status    FlowStatus      `json:"status"`
	Params    json.RawMessage `json:"params,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	Retry     RetryPolicy     `json:"retry"`
	Err       string          `json:"error,omitempty"`
	ErrKind   ErrKind         `json:"error_kind,omitempty"`
	Operator  string          `json:"operator,omitempty"`
	DueAt     *time.Time      `json:"due_at,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// Ticket is a requested change and the flows that carry it out.
type Ticket struct {
	ID         string          `json:"id"`
	Type       TicketType      `json:"type"`
	Requester  string          `json:"requester"`
	BizID      int64           `json:"biz_id"`
	ClusterIDs []int64         `json:"cluster_ids,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Status     Status          `json:"status"`
	Current    int             `json:"current"`
	Flows      []*Flow         `json:"flows"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// CurrentFlow returns the flow that may progress, or nil once all are done.
func (t *Ticket) CurrentFlow() *Flow {
	if t.Current < 0 || t.Current >= len(t.Flows) {
		return nil
	}
	return t.Flows[t.Current]
}

// Clone returns a deep copy of t.
func (t *Ticket) Clone() *Ticket {
	out := *t
	out.ClusterIDs = append([]int64(nil), t.ClusterIDs...)
	out.Details = append(json.RawMessage(nil), t.Details...)
	out.Flows = make([]*Flow, len(t.Flows))
	for i, f := range t.Flows {
		cp := *f
		cp.Params = append(json.RawMessage(nil), f.Params...)
		if f.DueAt != nil {
			due := *f.DueAt
			cp.DueAt = &due
		}
		out.Flows[i] = &cp
	}
	return &out
}
