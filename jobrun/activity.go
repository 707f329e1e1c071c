package jobrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nomis52/dbflow/clients/jobclient"
	"github.com/nomis52/dbflow/flowctx"
)

// PayloadFunc builds the job to submit from the node's context. Payloads are
// opaque to the runtime.
type PayloadFunc func(ec *flowctx.Context) (jobclient.SubmitRequest, error)

// JobActivity is a pipeline activity backed by a remote job.
//
// When Output is set every successful host must print a <ctx> marker; its
// payload is written to Output in Mode. With Append each host's payload is
// kept under its "<cloud>:<ip>" key. With Overwrite hosts are merged in target
// order, so the last target wins.
//
// Force (or a true "force" kwarg) tolerates failed hosts: they are logged and
// counted and the activity succeeds. Targets the job never reported on count
// as failed hosts. A job that finished unsuccessfully with no failed host
// fails with ErrJobFailed, force or not.
type JobActivity struct {
	Runtime  *Runtime
	Payload  PayloadFunc
	Output   string
	Mode     flowctx.WriteMode
	Interval time.Duration
	Timeout  time.Duration
	Force    bool
}

// Writes declares the trans key the activity writes.
func (a *JobActivity) Writes() []flowctx.Decl {
	if a.Output == "" {
		return nil
	}
	return []flowctx.Decl{{Key: a.Output, Mode: a.Mode}}
}

// ValidateKwargs checks the optional "force" kwarg.
func (a *JobActivity) ValidateKwargs(kwargs flowctx.Data) error {
	if !kwargs.Has("force") {
		return nil
	}
	var force bool
	if err := kwargs.Decode("force", &force); err != nil {
		return fmt.Errorf("force must be a boolean: %w", err)
	}
	return nil
}

// Execute submits the job, waits for it and merges the host outputs.
func (a *JobActivity) Execute(ctx context.Context, ec *flowctx.Context) error {
	logger := ec.Logger()

	req, err := a.Payload(ec)
	if err != nil {
		return fmt.Errorf("building payload: %w", err)
	}

	logger.Info("submitting job", "targets", len(req.Targets))
	h, err := a.Runtime.Submit(ctx, req)
	if err != nil {
		return err
	}
	ec.ReportJobHandle(h.String())

	res, err := a.Runtime.Wait(ctx, h, a.Interval, a.Timeout)
	if errors.Is(err, ErrJobTimeout) {
		return &RemoteExecutionError{JobID: h.JobID, Err: err}
	}
	if err != nil {
		return err
	}
	logger.Info("job finished", "job_id", h.JobID, "status", res.Status, "hosts", len(res.Hosts))

	results := a.hostResults(ec, req.Targets, res)
	ec.ReportHostResults(results)

	force := a.Force
	if ec.Kwargs().Has("force") {
		var kw bool
		if err := ec.Kwargs().Decode("force", &kw); err == nil {
			force = force || kw
		}
	}
	if err := Aggregate(h.JobID, results, force, logger); err != nil {
		return err
	}
	if !res.Status.IsSuccess() && !anyFailed(results) {
		return &RemoteExecutionError{JobID: h.JobID, Err: fmt.Errorf("%w: status %s", ErrJobFailed, res.Status)}
	}
	return nil
}

func anyFailed(results []flowctx.HostResult) bool {
	for _, r := range results {
		if !r.Succeeded {
			return true
		}
	}
	return false
}

// hostResults classifies every host and merges the output of successful ones.
// Submitted targets the job never reported on count as failed.
func (a *JobActivity) hostResults(ec *flowctx.Context, targets []jobclient.Target, res *PollResult) []flowctx.HostResult {
	now := time.Now()
	results := make([]flowctx.HostResult, 0, len(targets))
	reported := make(map[string]bool, len(res.Hosts))
	for _, h := range res.Hosts {
		reported[h.Target.Key()] = true
		hr := flowctx.HostResult{
			Host:       h.Target.Key(),
			Status:     int(h.Status),
			StatusText: h.Status.String(),
			ExitCode:   h.ExitCode,
			Succeeded:  h.Status.IsSuccess(),
			FinishedAt: now,
		}

		switch {
		case !hr.Succeeded:
			hr.Error = fmt.Sprintf("host finished with status %s (exit code %d)", h.Status, h.ExitCode)
		case a.Output == "":
		case h.LogErr != nil:
			hr.Succeeded = false
			hr.Error = (&ContextExtractionError{Host: hr.Host, Err: h.LogErr}).Error()
		default:
			if err := a.mergeOutput(ec, hr.Host, h.Log); err != nil {
				hr.Succeeded = false
				hr.Error = err.Error()
			}
		}

		if !hr.Succeeded {
			ec.Logger().Error("host failed", "host", hr.Host, "status", hr.StatusText, "error", hr.Error)
		}
		results = append(results, hr)
	}

	for _, t := range targets {
		if reported[t.Key()] {
			continue
		}
		hr := flowctx.HostResult{
			Host:       t.Key(),
			StatusText: "missing",
			FinishedAt: now,
			Error:      fmt.Sprintf("job finished with status %s and no result for this host", res.Status),
		}
		ec.Logger().Error("host failed", "host", hr.Host, "status", hr.StatusText, "error", hr.Error)
		results = append(results, hr)
	}
	return results
}

func (a *JobActivity) mergeOutput(ec *flowctx.Context, host, log string) error {
	payload, err := Extract(log)
	if err != nil {
		return &ContextExtractionError{Host: host, Err: err}
	}
	if err := merge(ec.Trans, a.Output, a.Mode, host, payload); err != nil {
		return &ContextExtractionError{Host: host, Err: err}
	}
	return nil
}
