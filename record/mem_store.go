package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nomis52/dbflow/flowctx"
)

// MemoryStore keeps execution records in memory only (no persistence).
type MemoryStore struct {
	runs map[string]*Run
	mu   sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*Run),
	}
}

// CreateRun stores a copy of run.
func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrExists)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns a copy of the run.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.Clone(), nil
}

// UpdateNode applies fn to the node under the store lock.
func (s *MemoryStore) UpdateNode(_ context.Context, runID, nodeID string, fn func(*Node) error) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return applyNodeUpdate(run, nodeID, fn)
}

// SetRunStatus sets the run status.
func (s *MemoryStore) SetRunStatus(_ context.Context, runID string, status Status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	applyRunStatus(run, status, errText)
	return nil
}

// SaveTrans stores the trans snapshot.
func (s *MemoryStore) SaveTrans(_ context.Context, runID string, trans flowctx.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	run.Trans = flowctx.Restore(trans).Snapshot()
	run.UpdatedAt = time.Now()
	return nil
}

// ResetForRetry resets unresolved nodes and returns the updated run.
func (s *MemoryStore) ResetForRetry(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err := resetForRetry(run); err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

// Runs returns summaries of all runs, most recent first.
func (s *MemoryStore) Runs(_ context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Summary, 0, len(s.runs))
	for _, run := range s.runs {
		result = append(result, run.Summary())
	}
	sortSummaries(result)
	return result, nil
}

func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].CreatedAt.After(s[j].CreatedAt)
	})
}
