package record

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nomis52/dbflow/flowctx"
)

// DiskStore persists execution records to disk as one JSON file per run.
// Every mutation rewrites the run's file.
type DiskStore struct {
	dir      string
	logger   *slog.Logger
	maxCount int
	runs     map[string]*Run // protected by mu
	mu       sync.Mutex
}

// NewDiskStore creates a new disk-backed store.
// The directory is created if it doesn't exist, and existing runs are loaded.
func NewDiskStore(dir string, maxCount int, logger *slog.Logger) (*DiskStore, error) {
	s := &DiskStore{
		dir:      dir,
		logger:   logger,
		maxCount: maxCount,
		runs:     make(map[string]*Run),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record directory: %w", err)
	}

	runs, err := s.load()
	if err != nil {
		logger.Warn("failed to load existing runs", "error", err)
	} else {
		s.runs = runs
	}

	return s, nil
}

// CreateRun stores run and writes it to disk.
func (s *DiskStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrExists)
	}
	cp := run.Clone()
	if err := s.write(cp); err != nil {
		return err
	}
	s.runs[run.ID] = cp
	s.prune()
	return nil
}

// GetRun returns a copy of the run.
func (s *DiskStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.Clone(), nil
}

// UpdateNode applies fn to the node and persists the run.
func (s *DiskStore) UpdateNode(_ context.Context, runID, nodeID string, fn func(*Node) error) (*Node, error) {
	var node *Node
	err := s.mutate(runID, func(run *Run) error {
		n, err := applyNodeUpdate(run, nodeID, fn)
		node = n
		return err
	})
	return node, err
}

// SetRunStatus sets the run status and persists the run.
func (s *DiskStore) SetRunStatus(_ context.Context, runID string, status Status, errText string) error {
	return s.mutate(runID, func(run *Run) error {
		applyRunStatus(run, status, errText)
		return nil
	})
}

// SaveTrans stores the trans snapshot and persists the run.
func (s *DiskStore) SaveTrans(_ context.Context, runID string, trans flowctx.Snapshot) error {
	return s.mutate(runID, func(run *Run) error {
		run.Trans = flowctx.Restore(trans).Snapshot()
		run.UpdatedAt = time.Now()
		return nil
	})
}

// ResetForRetry resets unresolved nodes and persists the run.
func (s *DiskStore) ResetForRetry(_ context.Context, runID string) (*Run, error) {
	var out *Run
	err := s.mutate(runID, func(run *Run) error {
		if err := resetForRetry(run); err != nil {
			return err
		}
		out = run.Clone()
		return nil
	})
	return out, err
}

// Runs returns summaries of all loaded runs, most recent first.
func (s *DiskStore) Runs(_ context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Summary, 0, len(s.runs))
	for _, run := range s.runs {
		result = append(result, run.Summary())
	}
	sortSummaries(result)
	return result, nil
}

// Reload re-loads all runs from disk.
func (s *DiskStore) Reload() error {
	runs, err := s.load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = runs
	return nil
}

// mutate applies fn to a copy of the run and only keeps it once written.
func (s *DiskStore) mutate(runID string, fn func(*Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	cp := run.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	if err := s.write(cp); err != nil {
		return err
	}
	s.runs[runID] = cp
	return nil
}

func (s *DiskStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// write must be called with mu held.
func (s *DiskStore) write(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	tmp := s.path(run.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}
	if err := os.Rename(tmp, s.path(run.ID)); err != nil {
		return fmt.Errorf("failed to replace run file: %w", err)
	}
	s.logger.Debug("saved run to disk", "run_id", run.ID)
	return nil
}

// prune drops the oldest finished runs beyond maxCount. Must be called with mu held.
func (s *DiskStore) prune() {
	if s.maxCount <= 0 || len(s.runs) <= s.maxCount {
		return
	}

	summaries := make([]Summary, 0, len(s.runs))
	for _, run := range s.runs {
		summaries = append(summaries, run.Summary())
	}
	sortSummaries(summaries)

	for _, sum := range summaries[s.maxCount:] {
		if !sum.Status.Terminal() {
			continue
		}
		delete(s.runs, sum.ID)
		if err := os.Remove(s.path(sum.ID)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove old run file", "run_id", sum.ID, "error", err)
		}
	}
}

// load loads all runs from disk.
func (s *DiskStore) load() (map[string]*Run, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	runs := make(map[string]*Run, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		path := filepath.Join(s.dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read run file", "file", path, "error", err)
			continue
		}

		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			s.logger.Warn("failed to parse run file", "file", path, "error", err)
			continue
		}
		if run.Nodes == nil {
			run.Nodes = make(map[string]*Node)
		}
		runs[run.ID] = &run
	}

	s.logger.Info("loaded execution records from disk", "count", len(runs))
	return runs, nil
}
