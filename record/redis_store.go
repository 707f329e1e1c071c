package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"

	"github.com/nomis52/dbflow/flowctx"
)

const (
	runKey      = "RUN"
	runIndexKey = "RUNS"

	maxWatchRetries = 10
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Namespace string   `yaml:"namespace"`
}

// RedisStore keeps each run as a JSON value under `namespace:RUN:<id>` and an
// index of runs in the sorted set `namespace:RUNS` scored by creation time.
// Updates use optimistic WATCH transactions so several processes may share it.
type RedisStore struct {
	client    rd.UniversalClient
	namespace string
	logger    *slog.Logger
}

// NewRedisStore creates a store backed by a new client for conf.
func NewRedisStore(conf RedisConfig, logger *slog.Logger) *RedisStore {
	client := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		DB:       conf.DB,
	})
	return NewRedisStoreWithClient(client, conf.Namespace, logger)
}

// NewRedisStoreWithClient creates a store using an existing client.
func NewRedisStoreWithClient(client rd.UniversalClient, namespace string, logger *slog.Logger) *RedisStore {
	if namespace == "" {
		namespace = "dbflow"
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(args ...string) string {
	return fmt.Sprintf("%s:%s", s.namespace, strings.Join(args, ":"))
}

// CreateRun stores run if its id is unused.
func (s *RedisStore) CreateRun(ctx context.Context, run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(runKey, run.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("storing run %s: %w", run.ID, err)
	}
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrExists)
	}

	score := float64(run.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.key(runIndexKey), rd.Z{Score: score, Member: run.ID}).Err(); err != nil {
		return fmt.Errorf("indexing run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the stored run.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	data, err := s.client.Get(ctx, s.key(runKey, runID)).Bytes()
	if errors.Is(err, rd.Nil) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return decodeRun(data)
}

// UpdateNode applies fn to the node inside a WATCH transaction.
func (s *RedisStore) UpdateNode(ctx context.Context, runID, nodeID string, fn func(*Node) error) (*Node, error) {
	var node *Node
	err := s.mutate(ctx, runID, func(run *Run) error {
		n, err := applyNodeUpdate(run, nodeID, fn)
		node = n
		return err
	})
	return node, err
}

// SetRunStatus sets the run status.
func (s *RedisStore) SetRunStatus(ctx context.Context, runID string, status Status, errText string) error {
	return s.mutate(ctx, runID, func(run *Run) error {
		applyRunStatus(run, status, errText)
		return nil
	})
}

// SaveTrans stores the trans snapshot.
func (s *RedisStore) SaveTrans(ctx context.Context, runID string, trans flowctx.Snapshot) error {
	return s.mutate(ctx, runID, func(run *Run) error {
		run.Trans = trans
		run.UpdatedAt = time.Now()
		return nil
	})
}

// ResetForRetry resets unresolved nodes.
func (s *RedisStore) ResetForRetry(ctx context.Context, runID string) (*Run, error) {
	var out *Run
	err := s.mutate(ctx, runID, func(run *Run) error {
		if err := resetForRetry(run); err != nil {
			return err
		}
		out = run.Clone()
		return nil
	})
	return out, err
}

// Runs returns summaries of all indexed runs, most recent first.
func (s *RedisStore) Runs(ctx context.Context) ([]Summary, error) {
	ids, err := s.client.ZRevRange(ctx, s.key(runIndexKey), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(runKey, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading runs: %w", err)
	}

	result := make([]Summary, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		run, err := decodeRun([]byte(str))
		if err != nil {
			s.logger.Warn("skipping unreadable run", "run_id", ids[i], "error", err)
			continue
		}
		result = append(result, run.Summary())
	}
	return result, nil
}

func (s *RedisStore) mutate(ctx context.Context, runID string, fn func(*Run) error) error {
	key := s.key(runKey, runID)

	txf := func(tx *rd.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, rd.Nil) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		run, err := decodeRun(data)
		if err != nil {
			return err
		}
		if err := fn(run); err != nil {
			return err
		}
		out, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, rd.TxFailedErr) {
			s.logger.Debug("run changed during update, retrying", "run_id", runID, "attempt", i+1)
			continue
		}
		return err
	}
	return fmt.Errorf("updating run %s: too much contention", runID)
}

func decodeRun(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run: %w", err)
	}
	if run.Nodes == nil {
		run.Nodes = make(map[string]*Node)
	}
	return &run, nil
}
