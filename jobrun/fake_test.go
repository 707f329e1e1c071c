package jobrun

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nomis52/dbflow/clients/jobclient"
)

// fakeService is an in-memory job-execution service. Each job reports running
// for pollsUntilDone polls and then finishes with the configured host results.
type fakeService struct {
	mu             sync.Mutex
	nextID         int64
	submitErr      error
	pollsUntilDone int
	hostStatus     map[string]jobclient.Status // by ip, default succeeded
	hostLogs       map[string]string           // by ip
	logErr         map[string]error            // by ip
	// final, when set, is returned verbatim once a job is done.
	final *jobclient.JobStatus

	jobs        map[int64]*fakeJob
	submitCalls int
	statusCalls int
}

type fakeJob struct {
	targets []jobclient.Target
	polls   int
}

func newFakeService() *fakeService {
	return &fakeService{
		hostStatus: make(map[string]jobclient.Status),
		hostLogs:   make(map[string]string),
		logErr:     make(map[string]error),
		jobs:       make(map[int64]*fakeJob),
	}
}

func (f *fakeService) Submit(_ context.Context, req jobclient.SubmitRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitCalls++
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.nextID++
	f.jobs[f.nextID] = &fakeJob{targets: req.Targets}
	return f.nextID, nil
}

func (f *fakeService) Status(_ context.Context, jobID int64) (*jobclient.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.New("no such job")
	}
	j.polls++
	if f.pollsUntilDone < 0 || j.polls <= f.pollsUntilDone {
		return &jobclient.JobStatus{Status: jobclient.StatusRunning}, nil
	}

	if f.final != nil {
		return f.final, nil
	}

	overall := jobclient.StatusSucceeded
	hosts := make([]jobclient.HostStatus, len(j.targets))
	for i, t := range j.targets {
		status, ok := f.hostStatus[t.IP]
		if !ok {
			status = jobclient.StatusSucceeded
		}
		if !status.IsSuccess() {
			overall = jobclient.StatusFailed
		}
		exit := 0
		if status == jobclient.StatusFailed {
			exit = 1
		}
		hosts[i] = jobclient.HostStatus{IP: t.IP, CloudID: t.CloudID, Status: status, ExitCode: exit}
	}
	return &jobclient.JobStatus{
		Finished: true,
		Status:   overall,
		Steps:    []jobclient.StepResult{{StepInstanceID: jobID * 10, Hosts: hosts}},
	}, nil
}

func (f *fakeService) HostLog(_ context.Context, jobID, stepID int64, target jobclient.Target) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.final == nil && stepID != jobID*10 {
		return "", fmt.Errorf("unknown step %d", stepID)
	}
	if err := f.logErr[target.IP]; err != nil {
		return "", err
	}
	return f.hostLogs[target.IP], nil
}

func (f *fakeService) calls() (submit, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.statusCalls
}

type fakeArchiver struct {
	mu    sync.Mutex
	hosts []string
}

func (a *fakeArchiver) Archive(_ context.Context, _ int64, host, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hosts = append(a.hosts, host)
	return nil
}
