package pgstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	pgdb "github.com/teranos/loom/db/postgres"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/async"
)

// setupTestPool spins up a Postgres container, runs migrations, and returns a pool.
func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("loom_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t).Sugar()
	require.NoError(t, pgdb.Migrate(connStr, logger))

	pool, err := pgdb.Connect(ctx, connStr, 20, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func newQueue(t *testing.T, store async.Store) *async.Queue {
	return async.NewQueue(store, async.DefaultQueueConfig(), zaptest.NewLogger(t).Sugar())
}

func submit(t *testing.T, q *async.Queue, priority int) *async.Job {
	t.Helper()
	job, err := q.Submit(context.Background(), async.SubmitRequest{
		OwnerID:  "u1",
		Kind:     "canvas.text",
		Payload:  json.RawMessage(`{"prompt":"a tree"}`),
		Priority: priority,
	})
	require.NoError(t, err)
	return job
}

func TestPostgresStoreLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, New(setupTestPool(t)))

	low := submit(t, q, 1)
	high := submit(t, q, 5)
	mid := submit(t, q, 3)

	var order []string
	for {
		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, order)

	claimed, err := q.Get(ctx, high.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, async.StatusProcessing, claimed.Status)
	assert.JSONEq(t, `{"prompt":"a tree"}`, string(claimed.Payload))

	done, err := q.Complete(ctx, claimed, json.RawMessage(`{"content":"oak"}`))
	require.NoError(t, err)
	assert.Equal(t, async.StatusCompleted, done.Status)

	ok, err := q.Cancel(ctx, high.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "completed jobs cannot be cancelled")

	midJob, err := q.Get(ctx, mid.ID, "")
	require.NoError(t, err)
	retried, err := q.ScheduleRetry(ctx, midJob, errors.New("upstream 503"))
	require.NoError(t, err)
	assert.Equal(t, async.StatusQueued, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	stats, err := q.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[async.StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[async.StatusQueued])
	assert.Equal(t, 1, stats.ByStatus[async.StatusProcessing])
	assert.InDelta(t, 1.0, stats.SuccessRate, 1e-9)

	jobs, err := q.List(ctx, async.ListFilter{OwnerID: "u1", Status: async.StatusProcessing})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, low.ID, jobs[0].ID)

	_, err = q.Get(ctx, "missing", "")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestPostgresConcurrentClaimsAreDistinct(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := New(setupTestPool(t))
	q := newQueue(t, store)

	const jobs = 10
	const claimers = 40
	for i := 0; i < jobs; i++ {
		submit(t, q, 0)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.ClaimNext(ctx, time.Now())
			assert.NoError(t, err)
			if job == nil {
				return
			}
			mu.Lock()
			claimed[job.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestPostgresCleanupKeepsActiveJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	store := New(setupTestPool(t))
	q := newQueue(t, store)

	queued := submit(t, q, 0)
	finished := submit(t, q, 10)
	job, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, finished.ID, job.ID)
	_, err = q.Fail(ctx, job, errors.New("bad prompt"))
	require.NoError(t, err)

	n, err := store.DeleteTerminalBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Get(ctx, queued.ID, "")
	assert.NoError(t, err)
}

func TestPostgresPayloadRoundTripsVerbatim(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	q := newQueue(t, New(setupTestPool(t)))

	// Key order, spacing and duplicate keys would all be rewritten by jsonb
	raw := `{"prompt": "a tree",  "model":"x", "prompt":"an oak"}`
	job, err := q.Submit(ctx, async.SubmitRequest{
		OwnerID: "u1",
		Kind:    "canvas.text",
		Payload: json.RawMessage(raw),
	})
	require.NoError(t, err)

	got, err := q.Get(ctx, job.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, raw, string(got.Payload))
}
