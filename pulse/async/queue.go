package async

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/backoff"
)

const (
	// DefaultMaxRetries applies when a submission does not set max_retries
	DefaultMaxRetries = 3

	// MaxStaleBatch limits how many stale jobs one sweep reclaims
	MaxStaleBatch = 100

	// CancelReason is recorded as the error message of cancelled jobs
	CancelReason = "cancelled by owner"
)

// QueueConfig holds the retry knobs for a Queue.
type QueueConfig struct {
	MaxRetries int
	Backoff    backoff.Policy
}

// DefaultQueueConfig is 3 retries with 2^n minute backoff capped at 8 minutes.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxRetries: DefaultMaxRetries, Backoff: backoff.DefaultPolicy()}
}

// QueueConfigFrom reads the retry knobs from the pulse section of am.toml.
func QueueConfigFrom(cfg am.PulseConfig) QueueConfig {
	return QueueConfig{
		MaxRetries: cfg.MaxRetries,
		Backoff:    backoff.New(cfg.BackoffBase, cfg.BackoffMax()),
	}
}

// Queue is the job lifecycle service. It owns every status transition;
// persistence is delegated to a Store and progress events are left to callers.
type Queue struct {
	store   Store
	cfg     QueueConfig
	logger  *zap.SugaredLogger
	timeNow func() time.Time
}

// NewQueue creates a queue over store.
func NewQueue(store Store, cfg QueueConfig, logger *zap.SugaredLogger) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Queue{
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("queue"),
		timeNow: time.Now,
	}
}

func (q *Queue) now() time.Time {
	return q.timeNow().UTC()
}

// Store returns the underlying store.
func (q *Queue) Store() Store {
	return q.store
}

// Submit records a new queued job, eligible immediately.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := newJob(req, q.cfg.MaxRetries, q.now())
	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to submit job")
		err = errors.WithDetail(err, fmt.Sprintf("Owner: %s", job.OwnerID))
		err = errors.WithDetail(err, fmt.Sprintf("Kind: %s", job.Kind))
		return nil, err
	}

	q.logger.Debugw("Job submitted",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"job_kind", job.Kind,
		"priority", job.Priority,
	)
	return job, nil
}

// ClaimNext atomically takes the next eligible job, or returns nil.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	return q.store.ClaimNext(ctx, q.now())
}

// CountProcessing returns the number of jobs currently processing.
func (q *Queue) CountProcessing(ctx context.Context) (int, error) {
	return q.store.CountStatus(ctx, StatusProcessing)
}

// Complete records a successful attempt.
// Returns ErrJobNotProcessing if the job was cancelled or reclaimed meanwhile.
func (q *Queue) Complete(ctx context.Context, job *Job, result json.RawMessage) (*Job, error) {
	now := q.now()
	ok, err := q.store.CompleteJob(ctx, job.Claim(), result, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, q.lostClaim(job)
	}

	updated := *job
	updated.Status = StatusCompleted
	updated.Result = result
	updated.ErrorMessage = ""
	updated.CompletedAt = &now
	updated.UpdatedAt = now
	return &updated, nil
}

// Fail records a non-recoverable failure. retry_count is left unchanged.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (*Job, error) {
	return q.fail(ctx, job, job.RetryCount, cause)
}

// ScheduleRetry records a failed attempt. While attempts remain the job is
// requeued with a backoff delay; otherwise it fails.
//
// With max_retries = 3 and the default policy, failures 1 and 2 requeue the
// job after 2m and 4m, and failure 3 fails it with retry_count = 3.
func (q *Queue) ScheduleRetry(ctx context.Context, job *Job, cause error) (*Job, error) {
	attempt := job.RetryCount + 1
	if attempt >= job.MaxRetries {
		return q.fail(ctx, job, min(attempt, job.MaxRetries), cause)
	}

	now := q.now()
	next := q.cfg.Backoff.NextAt(now, attempt)
	ok, err := q.store.RequeueJob(ctx, job.Claim(), attempt, next, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, q.lostClaim(job)
	}

	q.logger.Infow("꩜ Retry scheduled",
		"job_id", job.ID,
		"retry_count", attempt,
		"max_retries", job.MaxRetries,
		"next_run", next,
		"error", cause,
	)

	updated := *job
	updated.Status = StatusQueued
	updated.RetryCount = attempt
	updated.ErrorMessage = ""
	updated.StartedAt = nil
	updated.NextProcessingAt = next
	updated.UpdatedAt = now
	return &updated, nil
}

func (q *Queue) fail(ctx context.Context, job *Job, retryCount int, cause error) (*Job, error) {
	now := q.now()
	msg := errorMessage(cause)
	ok, err := q.store.FailJob(ctx, job.Claim(), retryCount, msg, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, q.lostClaim(job)
	}

	q.logger.Warnw("Job failed",
		"job_id", job.ID,
		"retry_count", retryCount,
		"max_retries", job.MaxRetries,
		"error", msg,
	)

	updated := *job
	updated.Status = StatusFailed
	updated.RetryCount = retryCount
	updated.ErrorMessage = msg
	updated.CompletedAt = &now
	updated.UpdatedAt = now
	return &updated, nil
}

func (q *Queue) lostClaim(job *Job) error {
	err := errors.WithDetail(ErrJobNotProcessing, fmt.Sprintf("Job ID: %s", job.ID))
	return errors.WithDetail(err, fmt.Sprintf("Claim: %s", job.ClaimID))
}

// Cancel stops a queued or processing job owned by ownerID. It returns false,
// leaving the record untouched, when the job is terminal, missing or owned by
// someone else. An empty ownerID skips the ownership check.
//
// A worker already running the job keeps running; its result is discarded.
func (q *Queue) Cancel(ctx context.Context, id, ownerID string) (bool, error) {
	ok, err := q.store.CancelJob(ctx, id, ownerID, CancelReason, q.now())
	if err != nil {
		return false, err
	}
	if ok {
		q.logger.Infow("Job cancelled", "job_id", id, "owner_id", ownerID)
	}
	return ok, nil
}

// ResetForRetry puts a failed job back in the queue with a fresh retry
// budget. It returns false unless the job is failed and owned by ownerID.
func (q *Queue) ResetForRetry(ctx context.Context, id, ownerID string) (bool, error) {
	ok, err := q.store.ResetJob(ctx, id, ownerID, q.now())
	if err != nil {
		return false, err
	}
	if ok {
		q.logger.Infow("Job reset for retry", "job_id", id, "owner_id", ownerID)
	}
	return ok, nil
}

// Retry is ResetForRetry under its user-facing name.
func (q *Queue) Retry(ctx context.Context, id, ownerID string) (bool, error) {
	return q.ResetForRetry(ctx, id, ownerID)
}

// Cleanup deletes terminal jobs completed more than olderThan ago and
// returns how many were removed. Queued and processing jobs are never touched.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.NewInvalidRequestError("cleanup age must be positive, got %s", olderThan)
	}

	cutoff := q.now().Add(-olderThan)
	n, err := q.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.WithDetail(err, fmt.Sprintf("Cutoff: %s", cutoff.Format(time.RFC3339)))
	}
	if n > 0 {
		q.logger.Infow("Cleaned up old jobs", "count", n, "older_than", olderThan.String())
	}
	return n, nil
}

// CleanupRetention deletes finished jobs older than days.
func (q *Queue) CleanupRetention(ctx context.Context, days int) (int, error) {
	if days < 1 {
		return 0, errors.NewInvalidRequestError("retention must be at least one day, got %d", days)
	}
	return q.Cleanup(ctx, time.Duration(days)*24*time.Hour)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Total       int               `json:"total"`
	ByStatus    map[JobStatus]int `json:"by_status"`
	SuccessRate float64           `json:"success_rate"`
}

// Statistics counts jobs by status. SuccessRate is completed over
// completed+failed, and 0 when neither has happened yet.
func (q *Queue) Statistics(ctx context.Context) (*Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	finished := counts[StatusCompleted] + counts[StatusFailed]
	if finished > 0 {
		stats.SuccessRate = float64(counts[StatusCompleted]) / float64(finished)
	}
	return stats, nil
}

// Get returns a job. With a non-empty ownerID, jobs owned by others are
// reported as not found.
func (q *Queue) Get(ctx context.Context, id, ownerID string) (*Job, error) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job, nil
}

// List returns jobs matching filter, newest first.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return q.store.ListJobs(ctx, filter)
}

// ReconcileStale treats jobs processing for longer than staleAfter as failed
// attempts, so they are retried or failed like any other. The reclaim bumps
// retry_count, which voids the claim of any worker still running them.
func (q *Queue) ReconcileStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, nil
	}

	jobs, err := q.store.ListStale(ctx, q.now().Add(-staleAfter), MaxStaleBatch)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range jobs {
		cause := errors.WithDetail(ErrStaleJob, fmt.Sprintf("Stale after: %s", staleAfter))
		if _, err := q.ScheduleRetry(ctx, job, cause); err != nil {
			if errors.Is(err, ErrJobNotProcessing) {
				continue
			}
			return reclaimed, errors.Wrapf(err, "failed to reclaim stale job %s", job.ID)
		}
		reclaimed++
	}

	if reclaimed > 0 {
		q.logger.Warnw("꩜ Reclaimed stale jobs", "count", reclaimed, "stale_after", staleAfter.String())
	}
	return reclaimed, nil
}
