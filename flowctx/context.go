// Package flowctx holds the execution context threaded through a pipeline run:
// operator-supplied global data, step outputs (trans data) and per-activity kwargs.
package flowctx

import (
	"log/slog"
	"time"
)

// HostResult is the outcome of one target host of a job activity.
type HostResult struct {
	Host       string    `json:"host"`
	Status     int       `json:"status"`
	StatusText string    `json:"status_text"`
	ExitCode   int       `json:"exit_code"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Reporter receives progress from a running node.
type Reporter interface {
	JobHandle(handle string)
	HostResults(results []HostResult)
}

// Node identifies the node an activity runs as.
type Node struct {
	ID       string
	Name     string
	Kwargs   Data
	Logger   *slog.Logger
	Reporter Reporter
}

// Context is the execution context of one pipeline scope. Global is never
// written after construction; Trans is shared by every node of the run.
type Context struct {
	Global Data
	Trans  *Trans

	node Node
}

// New creates a root context seeded with a copy of global.
func New(global Data) *Context {
	return &Context{
		Global: global.Clone(),
		Trans:  NewTrans(),
	}
}

// Scope returns a context for a nested pipeline. Its global data is a copy of
// the receiver's with overrides layered on top; trans data is shared.
func (c *Context) Scope(overrides Data) *Context {
	return &Context{
		Global: c.Global.Merge(overrides),
		Trans:  c.Trans,
	}
}

// ForNode returns a view of c bound to node n.
func (c *Context) ForNode(n Node) *Context {
	if n.Kwargs == nil {
		n.Kwargs = Data{}
	}
	return &Context{
		Global: c.Global,
		Trans:  c.Trans,
		node:   n,
	}
}

// NodeID returns the id of the bound node.
func (c *Context) NodeID() string { return c.node.ID }

// NodeName returns the name of the bound node.
func (c *Context) NodeName() string { return c.node.Name }

// Kwargs returns the bound node's private parameters.
func (c *Context) Kwargs() Data {
	if c.node.Kwargs == nil {
		return Data{}
	}
	return c.node.Kwargs
}

// Logger returns the bound node's logger.
func (c *Context) Logger() *slog.Logger {
	if c.node.Logger == nil {
		return slog.Default()
	}
	return c.node.Logger
}

// ReportJobHandle records the remote job handle of the bound node.
func (c *Context) ReportJobHandle(handle string) {
	if c.node.Reporter != nil {
		c.node.Reporter.JobHandle(handle)
	}
}

// ReportHostResults records per-host outcomes of the bound node.
func (c *Context) ReportHostResults(results []HostResult) {
	if c.node.Reporter != nil {
		c.node.Reporter.HostResults(results)
	}
}
