package jobrun

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nomis52/dbflow/flowctx"
)

// ErrJobTimeout is returned when a job reports no terminal status within its timeout.
var ErrJobTimeout = errors.New("job timed out")

// ErrJobFailed is returned when the job itself finished unsuccessfully although
// no host reported a failure, for example after a forced termination.
var ErrJobFailed = errors.New("job failed")

// SubmissionError is returned when the service rejected a job or could not be reached.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submitting job: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// RemoteExecutionError is returned when a job ran but did not succeed on every
// host, or never finished.
type RemoteExecutionError struct {
	JobID  int64
	Failed []flowctx.HostResult
	Err    error
}

func (e *RemoteExecutionError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("job %d: %v", e.JobID, e.Err)
	}
	hosts := make([]string, len(e.Failed))
	for i, h := range e.Failed {
		hosts[i] = fmt.Sprintf("%s(%s)", h.Host, h.StatusText)
	}
	return fmt.Sprintf("job %d: %d host(s) failed: %s", e.JobID, len(e.Failed), strings.Join(hosts, ", "))
}

func (e *RemoteExecutionError) Unwrap() error {
	return e.Err
}

// ContextExtractionError is returned when a host's output has no usable marker.
type ContextExtractionError struct {
	Host string
	Err  error
}

func (e *ContextExtractionError) Error() string {
	return fmt.Sprintf("extracting context from %s: %v", e.Host, e.Err)
}

func (e *ContextExtractionError) Unwrap() error {
	return e.Err
}
