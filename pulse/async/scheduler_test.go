package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse"
)

func fastSchedulerConfig(maxConcurrent int) SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentJobs: maxConcurrent,
		PollInterval:      10 * time.Millisecond,
		CapacityWait:      10 * time.Millisecond,
		ErrorBackoff:      10 * time.Millisecond,
		MaxErrorBackoff:   20 * time.Millisecond,
		JoinTimeout:       5 * time.Second,
	}
}

func startScheduler(t *testing.T, q *Queue, exec Executor, n pulse.Notifier, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	s := NewScheduler(q, exec, n, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func waitForStatus(t *testing.T, q *Queue, id string, want JobStatus) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		got, err := q.Get(context.Background(), id, "")
		if err != nil {
			return false
		}
		job = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	q, _ := newRealTimeQueue(t)

	var inflight, peak atomic.Int64
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job *Job) (json.RawMessage, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.RawMessage(`{"content":"ok"}`), nil
	})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submitJob(t, q, "u1", 0).ID)
	}

	startScheduler(t, q, exec, nil, fastSchedulerConfig(3))

	require.Eventually(t, func() bool { return inflight.Load() == 3 }, 5*time.Second, 5*time.Millisecond)

	// Give the loop time to overshoot if it were going to
	time.Sleep(100 * time.Millisecond)
	processing, err := q.CountProcessing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processing)
	assert.EqualValues(t, 3, inflight.Load())

	close(release)
	for _, id := range ids {
		waitForStatus(t, q, id, StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestSchedulerPublishesProgressEvents(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	rec := &eventRecorder{}
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"content":"a tree"}`), nil
	})

	job := submitJob(t, q, "u1", 0)
	startScheduler(t, q, exec, rec, fastSchedulerConfig(1))

	done := waitForStatus(t, q, job.ID, StatusCompleted)
	assert.JSONEq(t, `{"content":"a tree"}`, string(done.Result))

	require.Eventually(t, func() bool { return rec.hasKind(job.ID, pulse.EventComplete) }, time.Second, 5*time.Millisecond)
	events := rec.forJob(job.ID)
	require.Len(t, events, 4)

	var progress []int
	for _, e := range events {
		progress = append(progress, e.Progress)
		assert.Equal(t, "u1", e.OwnerID)
	}
	assert.Equal(t, []int{10, 30, 90, 100}, progress)
	assert.Equal(t, pulse.EventUpdate, events[0].Kind)
	assert.Equal(t, "processing", events[0].Status)
	assert.Equal(t, pulse.EventComplete, events[3].Kind)
	assert.Equal(t, "completed", events[3].Status)
	assert.JSONEq(t, `{"content":"a tree"}`, string(events[3].Result))
}

func TestSchedulerRetriesTransientErrors(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	rec := &eventRecorder{}
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return nil, errors.New("upstream 503")
	})

	job := submitJob(t, q, "u1", 0)
	before := time.Now()
	startScheduler(t, q, exec, rec, fastSchedulerConfig(1))

	require.Eventually(t, func() bool { return rec.hasKind(job.ID, pulse.EventError) }, 5*time.Second, 5*time.Millisecond)

	got := mustGet(t, q, job.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.WithinDuration(t, before.Add(2*time.Minute), got.NextProcessingAt, 5*time.Second)

	events := rec.forJob(job.ID)
	last := events[len(events)-1]
	assert.Equal(t, pulse.EventError, last.Kind)
	assert.Equal(t, "queued", last.Status)
	assert.Equal(t, "retry scheduled", last.Message)
	assert.Equal(t, "upstream 503", last.Error)
	assert.False(t, rec.hasKind(job.ID, pulse.EventComplete))
}

func TestSchedulerFailsNonRecoverableErrorsImmediately(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", ValidationError(errors.New("prompt is empty"))},
		{"initialization", InitializationError(errors.New("generation api key is not configured"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newRealTimeQueue(t)
			rec := &eventRecorder{}
			exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
				return nil, tt.err
			})

			job := submitJob(t, q, "u1", 0)
			startScheduler(t, q, exec, rec, fastSchedulerConfig(1))

			got := waitForStatus(t, q, job.ID, StatusFailed)
			assert.Equal(t, 0, got.RetryCount)
			assert.Equal(t, tt.err.Error(), got.ErrorMessage)

			require.Eventually(t, func() bool { return rec.hasKind(job.ID, pulse.EventError) }, time.Second, 5*time.Millisecond)
			events := rec.forJob(job.ID)
			assert.Equal(t, "failed", events[len(events)-1].Status)
			assert.Equal(t, "failed", events[len(events)-1].Message)
		})
	}
}

func TestSchedulerExecutorTimeoutConsumesRetry(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	rec := &eventRecorder{}
	exec := ExecutorFunc(func(ctx context.Context, _ *Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := fastSchedulerConfig(1)
	cfg.ExecutorTimeout = 50 * time.Millisecond

	job := submitJob(t, q, "u1", 0)
	startScheduler(t, q, exec, rec, cfg)

	require.Eventually(t, func() bool { return rec.hasKind(job.ID, pulse.EventError) }, 5*time.Second, 5*time.Millisecond)

	got := mustGet(t, q, job.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	events := rec.forJob(job.ID)
	assert.Contains(t, events[len(events)-1].Error, "exceeded")
}

func TestSchedulerRecoversExecutorPanics(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		panic("handler bug")
	})

	job := submitJob(t, q, "u1", 0)
	startScheduler(t, q, exec, nil, fastSchedulerConfig(1))

	require.Eventually(t, func() bool {
		got, err := q.Get(context.Background(), job.ID, "")
		return err == nil && got.RetryCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusQueued, mustGet(t, q, job.ID).Status)
}

func TestSchedulerCancelWhileProcessing(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	rec := &eventRecorder{}
	started := make(chan struct{})
	release := make(chan struct{})
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{"content":"too late"}`), nil
	})

	job := submitJob(t, q, "u1", 0)
	s := startScheduler(t, q, exec, rec, fastSchedulerConfig(1))

	<-started
	ok, err := q.Cancel(context.Background(), job.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	close(release)

	require.Eventually(t, func() bool { return s.ActiveWorkers() == 0 }, 5*time.Second, 5*time.Millisecond)
	got := mustGet(t, q, job.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
	assert.False(t, rec.hasKind(job.ID, pulse.EventComplete))
}

func TestSchedulerStopJoinsWorkers(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	started := make(chan struct{})
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return json.RawMessage(`{"content":"ok"}`), nil
	})

	job := submitJob(t, q, "u1", 0)
	s := NewScheduler(q, exec, nil, fastSchedulerConfig(1), zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start(context.Background()))

	<-started
	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.ActiveWorkers())
	assert.Equal(t, StatusCompleted, mustGet(t, q, job.ID).Status)

	// Stop is idempotent
	assert.NoError(t, s.Stop())
}

func TestSchedulerStopAbandonsSlowWorkers(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	started := make(chan struct{})
	exited := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ *Job) (json.RawMessage, error) {
		defer close(exited)
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	cfg := fastSchedulerConfig(1)
	cfg.JoinTimeout = 50 * time.Millisecond

	job := submitJob(t, q, "u1", 0)
	s := NewScheduler(q, exec, nil, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, s.Start(context.Background()))

	<-started
	err := s.Stop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJoinTimeout))

	<-exited
	require.Eventually(t, func() bool { return s.ActiveWorkers() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusProcessing, mustGet(t, q, job.ID).Status, "abandoned jobs wait for reconciliation")
}

func TestSchedulerRunStopsOnContextCancel(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	s := NewScheduler(q, exec, nil, fastSchedulerConfig(1), zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	job := submitJob(t, q, "u1", 0)
	waitForStatus(t, q, job.ID, StatusCompleted)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// flakyStore fails the first n processing counts
type flakyStore struct {
	Store
	failures atomic.Int64
	err      error
}

func (f *flakyStore) CountStatus(ctx context.Context, status JobStatus) (int, error) {
	if f.failures.Add(-1) >= 0 {
		if f.err != nil {
			return 0, f.err
		}
		return 0, errors.New("database is locked")
	}
	return f.Store.CountStatus(ctx, status)
}

func TestSchedulerSurvivesStorageErrors(t *testing.T) {
	_, store := newRealTimeQueue(t)
	flaky := &flakyStore{Store: store}
	flaky.failures.Store(3)
	q := NewQueue(flaky, DefaultQueueConfig(), zaptest.NewLogger(t).Sugar())

	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"content":"ok"}`), nil
	})

	job := submitJob(t, q, "u1", 0)
	startScheduler(t, q, exec, nil, fastSchedulerConfig(1))

	waitForStatus(t, q, job.ID, StatusCompleted)
	assert.Less(t, flaky.failures.Load(), int64(0))
}

func TestSchedulerSurvivesClosedConnection(t *testing.T) {
	_, store := newRealTimeQueue(t)
	flaky := &flakyStore{Store: store, err: errors.Wrap(sql.ErrConnDone, "failed to count jobs")}
	flaky.failures.Store(1)
	q := NewQueue(flaky, DefaultQueueConfig(), zaptest.NewLogger(t).Sugar())

	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"content":"ok"}`), nil
	})

	job := submitJob(t, q, "u1", 0)
	startScheduler(t, q, exec, nil, fastSchedulerConfig(1))

	waitForStatus(t, q, job.ID, StatusCompleted)
	assert.Less(t, flaky.failures.Load(), int64(0))
}

func TestSchedulerReconcilesStaleJobsOnStart(t *testing.T) {
	q, _, clock := newTestQueue(t)
	submitJob(t, q, "u1", 0)

	orphan, err := q.ClaimNext(context.Background())
	require.NoError(t, err)
	clock.Advance(time.Hour)

	var calls atomic.Int64
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	})

	cfg := fastSchedulerConfig(1)
	cfg.StaleAfter = 30 * time.Minute
	startScheduler(t, q, exec, nil, cfg)

	got := mustGet(t, q, orphan.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Backoff keeps it out of reach of the fake clock
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, calls.Load())
}

func TestSchedulerSetMaxConcurrentJobs(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	s := NewScheduler(q, NewRegistry(), nil, fastSchedulerConfig(2), zaptest.NewLogger(t).Sugar())

	assert.Equal(t, 2, s.MaxConcurrentJobs())
	s.SetMaxConcurrentJobs(5)
	assert.Equal(t, 5, s.MaxConcurrentJobs())
	s.SetMaxConcurrentJobs(0)
	assert.Equal(t, 5, s.MaxConcurrentJobs(), "non-positive caps are ignored")

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")
	require.NoError(t, s.Stop())
}

func TestSchedulerMetrics(t *testing.T) {
	q, _ := newRealTimeQueue(t)
	exec := ExecutorFunc(func(context.Context, *Job) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	job := submitJob(t, q, "u1", 0)
	s := startScheduler(t, q, exec, nil, fastSchedulerConfig(2))
	waitForStatus(t, q, job.ID, StatusCompleted)
	require.Eventually(t, func() bool { return s.Metrics(context.Background()).JobsCompleted == 1 }, time.Second, 5*time.Millisecond)

	m := s.Metrics(context.Background())
	assert.Equal(t, 2, m.MaxConcurrentJobs)
	assert.EqualValues(t, 1, m.JobsClaimed)
	assert.Equal(t, 0, m.JobsQueued)
	assert.Greater(t, m.UptimeSeconds, 0.0)
}
