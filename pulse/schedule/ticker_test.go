package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	loomtest "github.com/teranos/loom/internal/testing"
	"github.com/teranos/loom/pulse/async"
)

func newTestQueue(t *testing.T) *async.Queue {
	t.Helper()
	store := async.NewSQLiteStore(loomtest.CreateTestDB(t))
	return async.NewQueue(store, async.DefaultQueueConfig(), zaptest.NewLogger(t).Sugar())
}

func TestTickerRunsDueTasks(t *testing.T) {
	ticker := NewTicker(nil, nil, TickerConfig{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())

	var fast, slow atomic.Int64
	ticker.AddTask(Task{Name: "fast", Interval: 20 * time.Millisecond, Run: func(context.Context) (int, error) {
		fast.Add(1)
		return 1, nil
	}})
	ticker.AddTask(Task{Name: "slow", Interval: time.Hour, Run: func(context.Context) (int, error) {
		slow.Add(1)
		return 0, nil
	}})

	ticker.Start(context.Background())
	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	ticker.Stop()

	assert.EqualValues(t, 0, slow.Load())

	status := ticker.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "fast", status[0].Name)
	assert.NotNil(t, status[0].LastRunAt)
	assert.Equal(t, 1, status[0].LastCount)
	assert.Nil(t, status[1].LastRunAt)
}

func TestTickerKeepsRunningAfterTaskErrors(t *testing.T) {
	ticker := NewTicker(nil, nil, TickerConfig{Interval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())

	var calls atomic.Int64
	ticker.AddTask(Task{Name: "broken", Interval: 10 * time.Millisecond, Run: func(context.Context) (int, error) {
		if calls.Add(1) == 1 {
			panic("first run explodes")
		}
		return 0, errors.New("database is locked")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticker.Start(ctx)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	ticker.Stop()

	assert.Equal(t, "database is locked", ticker.Status()[0].LastError)
}

func TestTickerIgnoresDisabledTasks(t *testing.T) {
	ticker := NewTicker(nil, nil, DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())
	ticker.AddTask(Task{Name: "off", Interval: 0, Run: func(context.Context) (int, error) { return 0, nil }})
	assert.Empty(t, ticker.Status())

	_, err := ticker.RunNow(context.Background(), "off")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestMaintenanceTasks(t *testing.T) {
	q := newTestQueue(t)
	cfg := am.DefaultConfig().Pulse

	tasks := MaintenanceTasks(q, cfg)
	require.Len(t, tasks, 2)
	assert.Equal(t, "retention-cleanup", tasks[0].Name)
	assert.Equal(t, cfg.CleanupInterval(), tasks[0].Interval)
	assert.Equal(t, "stale-sweep", tasks[1].Name)

	cfg.CleanupIntervalMinutes = 0
	cfg.StaleAfterMinutes = 0
	assert.Empty(t, MaintenanceTasks(q, cfg))
}

func TestMaintenanceTasksRunAgainstQueue(t *testing.T) {
	q := newTestQueue(t)
	ticker := NewTicker(q, nil, DefaultTickerConfig(), zaptest.NewLogger(t).Sugar())
	for _, task := range MaintenanceTasks(q, am.DefaultConfig().Pulse) {
		ticker.AddTask(task)
	}

	_, err := q.Submit(context.Background(), async.SubmitRequest{OwnerID: "u1", Kind: "canvas.text"})
	require.NoError(t, err)

	// Nothing is old enough to clean or stale enough to reclaim
	n, err := ticker.RunNow(context.Background(), "retention-cleanup")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = ticker.RunNow(context.Background(), "stale-sweep")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
