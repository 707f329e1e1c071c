// Package jobrun submits work to the job-execution service, polls it to
// completion and turns per-host output into execution context data.
package jobrun

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/nomis52/dbflow/clients/jobclient"
	"github.com/nomis52/dbflow/metrics"
)

const (
	// FastPollInterval is used by activities whose jobs finish in seconds.
	FastPollInterval = 5 * time.Second
	// SlowPollInterval is used by long-running activities such as installs and backups.
	SlowPollInterval = 30 * time.Second

	// DefaultJobTimeout bounds a job when the activity sets no timeout.
	DefaultJobTimeout = 2 * time.Hour

	defaultCacheTTL = 6 * time.Hour
	maxPollErrors   = 5
)

// LogArchiver stores the raw output of failed hosts.
type LogArchiver interface {
	Archive(ctx context.Context, jobID int64, host, log string) error
}

// Handle identifies a submitted job.
type Handle struct {
	JobID int64
}

func (h Handle) String() string {
	return strconv.FormatInt(h.JobID, 10)
}

// HostOutcome is the terminal state of one host, with its raw output.
type HostOutcome struct {
	StepID   int64
	Target   jobclient.Target
	Status   jobclient.Status
	ExitCode int
	Log      string
	// LogErr is set when the output could not be fetched.
	LogErr error
}

// PollResult is the answer to a poll. Hosts is only set once Finished and
// holds one outcome per host reported by any step. StepID is the last step.
type PollResult struct {
	Finished bool
	Status   jobclient.Status
	StepID   int64
	Hosts    []HostOutcome
}

// Runtime dispatches jobs and tracks them to completion.
type Runtime struct {
	svc      jobclient.Service
	logger   *slog.Logger
	results  *cache.Cache
	archiver LogArchiver
	metrics  *metrics.Engine
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithArchiver archives the output of failed hosts.
func WithArchiver(a LogArchiver) Option {
	return func(r *Runtime) {
		r.archiver = a
	}
}

// WithMetrics records submissions and host failures.
func WithMetrics(m *metrics.Engine) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithCacheTTL sets how long terminal poll results are kept.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Runtime) {
		r.results = cache.New(ttl, ttl/2)
	}
}

// NewRuntime creates a runtime using svc.
func NewRuntime(svc jobclient.Service, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		svc:     svc,
		logger:  logger,
		results: cache.New(defaultCacheTTL, defaultCacheTTL/2),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit starts a job. Any failure is a *SubmissionError.
func (r *Runtime) Submit(ctx context.Context, req jobclient.SubmitRequest) (Handle, error) {
	id, err := r.svc.Submit(ctx, req)
	if err != nil {
		return Handle{}, &SubmissionError{Err: err}
	}
	r.metrics.JobSubmitted()
	r.logger.Info("job submitted", "job_id", id, "targets", len(req.Targets))
	return Handle{JobID: id}, nil
}

// Poll returns the current state of a job. Once a job is terminal the result
// is cached and returned by later polls without contacting the service.
func (r *Runtime) Poll(ctx context.Context, h Handle) (*PollResult, error) {
	key := h.String()
	if cached, ok := r.results.Get(key); ok {
		return cached.(*PollResult), nil
	}

	status, err := r.svc.Status(ctx, h.JobID)
	if err != nil {
		return nil, fmt.Errorf("polling job %d: %w", h.JobID, err)
	}
	if !status.Finished {
		return &PollResult{Status: status.Status}, nil
	}

	res := &PollResult{Finished: true, Status: status.Status}
	for _, sh := range finalHosts(status.Steps) {
		res.Hosts = append(res.Hosts, r.collect(ctx, h, sh.stepID, sh.host))
	}
	if n := len(status.Steps); n > 0 {
		res.StepID = status.Steps[n-1].StepInstanceID
	}

	r.results.SetDefault(key, res)
	return res, nil
}

type stepHost struct {
	stepID int64
	host   jobclient.HostStatus
}

// finalHosts picks the outcome of each host across all steps. A host's latest
// step wins unless an earlier step already failed it.
func finalHosts(steps []jobclient.StepResult) []stepHost {
	var out []stepHost
	index := make(map[string]int)
	for _, step := range steps {
		for _, host := range step.Hosts {
			key := host.Target().Key()
			i, seen := index[key]
			if !seen {
				index[key] = len(out)
				out = append(out, stepHost{stepID: step.StepInstanceID, host: host})
				continue
			}
			if out[i].host.Status.IsSuccess() {
				out[i] = stepHost{stepID: step.StepInstanceID, host: host}
			}
		}
	}
	return out
}

// collect fetches a host's output and reports it when the host failed.
func (r *Runtime) collect(ctx context.Context, h Handle, stepID int64, host jobclient.HostStatus) HostOutcome {
	out := HostOutcome{
		StepID:   stepID,
		Target:   host.Target(),
		Status:   host.Status,
		ExitCode: host.ExitCode,
	}
	out.Log, out.LogErr = r.svc.HostLog(ctx, h.JobID, stepID, out.Target)

	if host.Status.IsSuccess() {
		return out
	}

	r.metrics.HostFailed(host.Status.String())
	if out.LogErr != nil {
		r.logger.Error("host failed and its log could not be fetched",
			"job_id", h.JobID, "host", out.Target.Key(), "status", host.Status, "error", out.LogErr)
		return out
	}
	r.logger.Error("host failed",
		"job_id", h.JobID, "host", out.Target.Key(), "status", host.Status, "exit_code", host.ExitCode, "log", out.Log)

	if r.archiver != nil {
		if err := r.archiver.Archive(ctx, h.JobID, out.Target.Key(), out.Log); err != nil {
			r.logger.Warn("failed to archive host log", "job_id", h.JobID, "host", out.Target.Key(), "error", err)
		}
	}
	return out
}

// Wait polls every interval until the job is terminal. A job still running
// after timeout fails with ErrJobTimeout. Cancelling ctx stops polling only;
// the remote job is left to finish on its own.
func (r *Runtime) Wait(ctx context.Context, h Handle, interval, timeout time.Duration) (*PollResult, error) {
	if interval <= 0 {
		interval = FastPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	pollErrors := 0
	for {
		res, err := r.Poll(ctx, h)
		switch {
		case err != nil:
			pollErrors++
			r.logger.Warn("poll failed", "job_id", h.JobID, "attempt", pollErrors, "error", err)
			if pollErrors >= maxPollErrors {
				return nil, err
			}
		case res.Finished:
			return res, nil
		default:
			pollErrors = 0
			r.logger.Debug("job still running", "job_id", h.JobID, "status", res.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("job %d after %s: %w", h.JobID, timeout, ErrJobTimeout)
		case <-ticker.C:
		}
	}
}
