package async

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
	loomtest "github.com/teranos/loom/internal/testing"
)

func TestSQLiteStoreCreateAndGet(t *testing.T) {
	store := NewSQLiteStore(loomtest.CreateTestDB(t))
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	job := newJob(SubmitRequest{
		OwnerID:  "u1",
		Kind:     "canvas.text",
		Payload:  json.RawMessage(`{"prompt":"hello"}`),
		Priority: 4,
	}, 3, now)
	require.NoError(t, store.CreateJob(t.Context(), job))

	got, err := store.GetJob(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 4, got.Priority)
	assert.JSONEq(t, `{"prompt":"hello"}`, string(got.Payload))
	assert.True(t, now.Equal(got.CreatedAt), "nanosecond timestamps survive the round trip")
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Result)

	_, err = store.GetJob(t.Context(), "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLiteStoreClaimOrdersByPriorityThenAge(t *testing.T) {
	q, _, clock := newTestQueue(t)

	a := submitJob(t, q, "u1", 1)
	clock.Advance(time.Second)
	b := submitJob(t, q, "u1", 5)
	clock.Advance(time.Second)
	c := submitJob(t, q, "u1", 3)
	clock.Advance(time.Second)
	d := submitJob(t, q, "u1", 3)

	var order []string
	for {
		job, err := q.ClaimNext(t.Context())
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, StatusProcessing, job.Status)
		require.NotNil(t, job.StartedAt)
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{b.ID, c.ID, d.ID, a.ID}, order)
}

func TestSQLiteStoreClaimSkipsFutureJobs(t *testing.T) {
	q, store, clock := newTestQueue(t)

	job := newJob(SubmitRequest{OwnerID: "u1", Kind: "canvas.text"}, 3, clock.Now())
	job.NextProcessingAt = clock.Now().Add(2 * time.Minute)
	require.NoError(t, store.CreateJob(t.Context(), job))

	claimed, err := q.ClaimNext(t.Context())
	require.NoError(t, err)
	assert.Nil(t, claimed)

	clock.Advance(2 * time.Minute)
	claimed, err = q.ClaimNext(t.Context())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestSQLiteStoreConcurrentClaimsAreDistinct(t *testing.T) {
	q, _, _ := newTestQueue(t)

	const jobs = 5
	const claimers = 20
	for i := 0; i < jobs; i++ {
		submitJob(t, q, "u1", 0)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, err := q.ClaimNext(t.Context())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if job != nil {
				claimed[job.ID]++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}

	processing, err := q.CountProcessing(t.Context())
	require.NoError(t, err)
	assert.Equal(t, jobs, processing)
}

func TestSQLiteStoreGuardedTransitions(t *testing.T) {
	q, store, clock := newTestQueue(t)
	submitJob(t, q, "u1", 0)

	job, err := q.ClaimNext(t.Context())
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NotEmpty(t, job.ClaimID)

	// A claim with another token no longer matches
	stale := Claim{JobID: job.ID, ClaimID: "other-claim"}
	ok, err := store.CompleteJob(t.Context(), stale, json.RawMessage(`{}`), clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompleteJob(t.Context(), job.Claim(), json.RawMessage(`{"content":"x"}`), clock.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	// Already completed
	ok, err = store.FailJob(t.Context(), job.Claim(), 0, "late", clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got := mustGet(t, q, job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.JSONEq(t, `{"content":"x"}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
}

func TestSQLiteStoreListJobs(t *testing.T) {
	q, _, clock := newTestQueue(t)

	first := submitJob(t, q, "u1", 0)
	clock.Advance(time.Second)
	second := submitJob(t, q, "u1", 0)
	clock.Advance(time.Second)
	submitJob(t, q, "u2", 0)

	jobs, err := q.List(t.Context(), ListFilter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID, "newest first")
	assert.Equal(t, first.ID, jobs[1].ID)

	_, err = q.ClaimNext(t.Context())
	require.NoError(t, err)

	processing, err := q.List(t.Context(), ListFilter{Status: StatusProcessing})
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	limited, err := q.List(t.Context(), ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteStoreWrapsDriverErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	store := NewSQLiteStore(conn)
	diskErr := errors.New("disk I/O error")

	mock.ExpectQuery("UPDATE pulse_jobs").WillReturnError(diskErr)
	_, err = store.ClaimNext(t.Context(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to claim next job")
	assert.True(t, errors.Is(err, diskErr))

	mock.ExpectQuery("SELECT COUNT").WillReturnError(diskErr)
	_, err = store.CountStatus(t.Context(), StatusProcessing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to count processing jobs")

	mock.ExpectExec("UPDATE pulse_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := store.CancelJob(t.Context(), "j1", "u1", CancelReason, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}
