package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nomis52/dbflow/logging"
	"github.com/nomis52/dbflow/record"
)

var (
	// ErrOverwriteConflict is returned by Build when parallel siblings write the same
	// trans key and at least one of them overwrites it.
	ErrOverwriteConflict = errors.New("conflicting parallel writes")

	// ErrInvalidKwargs is returned when kwargs cannot be encoded or are rejected.
	ErrInvalidKwargs = errors.New("invalid kwargs")

	// ErrDuplicateName is returned when a name is reused inside one sequence or set.
	ErrDuplicateName = errors.New("duplicate node name")

	// ErrGraphMismatch is returned when a graph does not match the run it resumes.
	ErrGraphMismatch = errors.New("graph does not match run")

	// ErrRunActive is returned when a run is already executing.
	ErrRunActive = errors.New("run already active")

	// ErrRunTerminated is returned when running or resuming a terminated run.
	ErrRunTerminated = record.ErrTerminated
)

// NodeError is the failure of one activity node, carrying the output it logged.
type NodeError struct {
	NodeID string
	Name   string
	Err    error
	Logs   []logging.LogEntry
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.Name, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Output renders the captured log lines, one per line.
func (e *NodeError) Output() string {
	lines := make([]string, len(e.Logs))
	for i, entry := range e.Logs {
		lines[i] = entry.String()
	}
	return strings.Join(lines, "\n")
}
