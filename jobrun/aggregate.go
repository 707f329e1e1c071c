package jobrun

import (
	"log/slog"

	"github.com/nomis52/dbflow/flowctx"
)

// Aggregate decides the outcome of a job from its per-host results. Without
// force any failed host fails the job. With force failures are logged and
// counted and the job succeeds.
func Aggregate(jobID int64, results []flowctx.HostResult, force bool, logger *slog.Logger) error {
	var failed []flowctx.HostResult
	for _, r := range results {
		if !r.Succeeded {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	if force {
		for _, r := range failed {
			logger.Warn("ignoring host failure", "job_id", jobID, "host", r.Host, "status", r.StatusText, "error", r.Error)
		}
		logger.Warn("job finished with tolerated failures", "job_id", jobID, "failed", len(failed), "total", len(results))
		return nil
	}
	return &RemoteExecutionError{JobID: jobID, Failed: failed}
}
