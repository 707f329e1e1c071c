package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/dbflow/logging"
)

func TestNewTrigger(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{"daily at 2am", "0 2 * * *", false},
		{"every minute", "* * * * *", false},
		{"empty", "", true},
		{"wrong format", "not a cron spec", true},
		{"too few fields", "0 2 *", true},
		{"invalid value", "60 2 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, err := NewTrigger(tt.spec, func(context.Context) error { return nil }, logging.Discard())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCronSpec)
				assert.Nil(t, trigger)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.spec, trigger.spec)
		})
	}
}

func TestTrigger_NextRun(t *testing.T) {
	trigger, err := NewTrigger("0 2 * * *", func(context.Context) error { return nil }, logging.Discard())
	require.NoError(t, err)

	next := trigger.NextRun()
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 2, next.Hour())
	assert.Equal(t, 0, next.Minute())
}

func TestTrigger_FireRunsTasksInOrder(t *testing.T) {
	var order []string
	tasks := map[string]Task{
		"timers": TaskFunc(func(context.Context) error { order = append(order, "timers"); return nil }),
		"expire": TaskFunc(func(context.Context) error { order = append(order, "expire"); return errors.New("boom") }),
	}
	r, err := NewTaskRunner("expire,timers:0 2 * * *", tasks, logging.Discard())
	require.NoError(t, err)
	require.Len(t, r.triggers, 1)

	err = r.triggers[0].fn(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire: boom")
	assert.Equal(t, []string{"expire", "timers"}, order)
}

func TestTaskRunner_StopBeforeFirstActivation(t *testing.T) {
	var runs atomic.Int32
	tasks := map[string]Task{
		"timers": TaskFunc(func(context.Context) error { runs.Add(1); return nil }),
	}
	r, err := NewTaskRunner("timers:0 2 * * *", tasks, logging.Discard())
	require.NoError(t, err)

	r.Start(context.Background())
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	assert.Zero(t, runs.Load())
}

func TestTaskRunner_NextRun(t *testing.T) {
	tasks := map[string]Task{
		"timers": TaskFunc(func(context.Context) error { return nil }),
		"prune":  TaskFunc(func(context.Context) error { return nil }),
	}
	r, err := NewTaskRunner("prune:0 3 * * *;timers:* * * * *", tasks, logging.Discard())
	require.NoError(t, err)

	next := r.NextRun()
	assert.WithinDuration(t, time.Now(), next, time.Minute+time.Second)
}

func TestTaskRunner_UnknownTask(t *testing.T) {
	_, err := NewTaskRunner("backup:* * * * *", map[string]Task{}, logging.Discard())
	assert.Error(t, err)
}
