// Package sshjob is a job-execution backend that runs scripts directly on
// target hosts over SSH. It serves the same contract as the remote job
// service, for environments without one.
package sshjob

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nomis52/dbflow/clients/jobclient"
	"github.com/nomis52/dbflow/clients/sshclient"
)

const (
	defaultPort    = 22
	defaultTimeout = 30 * time.Minute
	// jobRetention bounds how long finished jobs stay queryable.
	jobRetention = 24 * time.Hour
)

// Runner runs a script on one host and returns its output and exit code.
type Runner interface {
	Run(ctx context.Context, target jobclient.Target, account, script string) (string, int, error)
}

// Backend implements jobclient.Service.
type Backend struct {
	runner Runner
	logger *slog.Logger

	nextID atomic.Int64
	mu     sync.Mutex
	jobs   map[int64]*job
}

var _ jobclient.Service = (*Backend)(nil)

type job struct {
	stepID   int64
	hosts    []jobclient.HostStatus
	logs     map[string]string
	finished bool
	endedAt  time.Time
}

// New creates a backend running scripts with runner.
func New(runner Runner, logger *slog.Logger) *Backend {
	return &Backend{
		runner: runner,
		logger: logger,
		jobs:   make(map[int64]*job),
	}
}

// Submit starts the script on every target and returns immediately.
func (b *Backend) Submit(ctx context.Context, req jobclient.SubmitRequest) (int64, error) {
	if len(req.Targets) == 0 {
		return 0, fmt.Errorf("job has no targets")
	}

	id := b.nextID.Add(1)
	j := &job{
		stepID: id,
		hosts:  make([]jobclient.HostStatus, len(req.Targets)),
		logs:   make(map[string]string, len(req.Targets)),
	}
	for i, t := range req.Targets {
		j.hosts[i] = jobclient.HostStatus{IP: t.IP, CloudID: t.CloudID, Status: jobclient.StatusRunning}
	}

	b.mu.Lock()
	b.expire(time.Now())
	b.jobs[id] = j
	b.mu.Unlock()

	timeout := defaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	// Remote work outlives the submitting request.
	runCtx := context.WithoutCancel(ctx)
	for i, t := range req.Targets {
		go b.runHost(runCtx, id, i, t, req.Account, req.Script, timeout)
	}
	b.logger.Info("submitted ssh job", "job_id", id, "targets", len(req.Targets))
	return id, nil
}

func (b *Backend) runHost(ctx context.Context, id int64, idx int, t jobclient.Target, account, script string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, code, err := b.runner.Run(ctx, t, account, script)
	status := jobclient.StatusSucceeded
	switch {
	case ctx.Err() != nil:
		status = jobclient.StatusAbnormal
		out += "\nscript timed out"
	case err != nil:
		status = jobclient.StatusAbnormal
		out += "\n" + err.Error()
	case code != 0:
		status = jobclient.StatusFailed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return
	}
	j.hosts[idx].Status = status
	j.hosts[idx].ExitCode = code
	j.logs[t.Key()] = out

	for _, h := range j.hosts {
		if h.Status.InProgress() {
			return
		}
	}
	j.finished = true
	j.endedAt = time.Now()
}

// Status returns the job state.
func (b *Backend) Status(_ context.Context, jobID int64) (*jobclient.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %d not found", jobID)
	}

	hosts := append([]jobclient.HostStatus(nil), j.hosts...)
	status := jobclient.StatusRunning
	if j.finished {
		status = jobclient.StatusSucceeded
		for _, h := range hosts {
			if !h.Status.IsSuccess() {
				status = jobclient.StatusFailed
				break
			}
		}
	}
	return &jobclient.JobStatus{
		Finished: j.finished,
		Status:   status,
		Steps:    []jobclient.StepResult{{StepInstanceID: j.stepID, Hosts: hosts}},
	}, nil
}

// HostLog returns the output captured for target.
func (b *Backend) HostLog(_ context.Context, jobID, stepID int64, target jobclient.Target) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok || j.stepID != stepID {
		return "", fmt.Errorf("job %d step %d not found", jobID, stepID)
	}
	log, ok := j.logs[target.Key()]
	if !ok {
		return "", fmt.Errorf("no log for %s in job %d", target.Key(), jobID)
	}
	return log, nil
}

// expire must be called with mu held.
func (b *Backend) expire(now time.Time) {
	for id, j := range b.jobs {
		if j.finished && now.Sub(j.endedAt) > jobRetention {
			delete(b.jobs, id)
		}
	}
}

// SSHRunner runs scripts with a fresh SSH connection per host.
type SSHRunner struct {
	Config sshclient.Config
	Port   int
}

// Run implements Runner. The account is the SSH user when set.
func (r *SSHRunner) Run(ctx context.Context, target jobclient.Target, account, script string) (string, int, error) {
	cfg := r.Config
	if account != "" {
		cfg.User = account
	}
	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return "", -1, err
	}

	port := r.Port
	if port == 0 {
		port = defaultPort
	}
	client, err := sshclient.Dial(ctx, net.JoinHostPort(target.IP, strconv.Itoa(port)), clientCfg)
	if err != nil {
		return "", -1, err
	}
	defer client.Close()

	return client.Run(ctx, "/bin/sh -c "+shellQuote(script))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
