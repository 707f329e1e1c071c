package jobclient

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the status code the job-execution service reports for a job or host.
type Status int

const (
	StatusPending           Status = 1
	StatusRunning           Status = 2
	StatusSucceeded         Status = 3
	StatusFailed            Status = 4
	StatusSkipped           Status = 5
	StatusIgnoredError      Status = 6
	StatusWaitingManual     Status = 7
	StatusManualTerminated  Status = 8
	StatusAbnormal          Status = 9
	StatusForceTerminating  Status = 10
	StatusForceTerminated   Status = 11
	StatusConfirmTerminated Status = 12
	StatusEvicted           Status = 13
)

// String returns a human-readable representation of the Status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusIgnoredError:
		return "ignored_error"
	case StatusWaitingManual:
		return "waiting_manual"
	case StatusManualTerminated:
		return "manually_terminated"
	case StatusAbnormal:
		return "abnormal"
	case StatusForceTerminating:
		return "force_terminating"
	case StatusForceTerminated:
		return "force_terminated"
	case StatusConfirmTerminated:
		return "confirm_terminated"
	case StatusEvicted:
		return "evicted"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// IsSuccess reports whether s counts as success for orchestration.
// Only succeeded and ignored-error do; everything else is a failure.
func (s Status) IsSuccess() bool {
	return s == StatusSucceeded || s == StatusIgnoredError
}

// InProgress reports whether the service is still working on the job or host.
func (s Status) InProgress() bool {
	return s == StatusPending || s == StatusRunning || s == StatusForceTerminating
}

// Target is one host a job runs on.
type Target struct {
	IP      string `json:"ip"`
	CloudID int    `json:"cloud_id"`
}

// Key is the host identity used for per-host results, "<cloud>:<ip>".
func (t Target) Key() string {
	return strconv.Itoa(t.CloudID) + ":" + t.IP
}

// ParseTarget parses "<cloud>:<ip>" or a bare ip (cloud 0).
func ParseTarget(s string) (Target, error) {
	cloud, ip, ok := strings.Cut(s, ":")
	if !ok {
		if s == "" {
			return Target{}, fmt.Errorf("empty target")
		}
		return Target{IP: s}, nil
	}
	id, err := strconv.Atoi(cloud)
	if err != nil {
		return Target{}, fmt.Errorf("invalid cloud id in target %q: %w", s, err)
	}
	if ip == "" {
		return Target{}, fmt.Errorf("target %q has no ip", s)
	}
	return Target{IP: ip, CloudID: id}, nil
}

// SubmitRequest is one unit of remote work.
type SubmitRequest struct {
	Targets []Target
	// Script is the script body; it is base64 encoded on the wire.
	Script  string
	Account string
	// TimeoutSeconds bounds the script on each host. Zero uses the service default.
	TimeoutSeconds int
}

// HostStatus is the state of one host of a step.
type HostStatus struct {
	IP       string `json:"ip"`
	CloudID  int    `json:"cloud_id"`
	Status   Status `json:"status"`
	ExitCode int    `json:"exit_code"`
}

// Target returns the host identity.
func (h HostStatus) Target() Target {
	return Target{IP: h.IP, CloudID: h.CloudID}
}

// StepResult holds the per-host state of one job step.
type StepResult struct {
	StepInstanceID int64        `json:"step_instance_id"`
	Hosts          []HostStatus `json:"hosts"`
}

// JobStatus is the response of a status poll.
type JobStatus struct {
	Finished bool         `json:"finished"`
	Status   Status       `json:"status"`
	Steps    []StepResult `json:"steps"`
}
