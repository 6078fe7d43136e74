// Package pgstore is the PostgreSQL job store for deployments where several
// loom instances share one queue. Claims use FOR UPDATE SKIP LOCKED so
// concurrent schedulers never block on, or double-claim, the same row.
package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse/async"
)

// Store implements async.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ async.Store = (*Store)(nil)

// New wraps a pool whose database has the pulse_jobs migrations applied.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, owner_id, job_kind, payload, status, priority,
	retry_count, max_retries, error_message, result,
	created_at, started_at, completed_at, next_processing_at, updated_at,
	claim_id`

func scanJob(row pgx.Row) (*async.Job, error) {
	var (
		job     async.Job
		status  string
		errMsg  *string
		claimID *string
		payload []byte
		result  []byte
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Kind, &payload, &status, &job.Priority,
		&job.RetryCount, &job.MaxRetries, &errMsg, &result,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.NextProcessingAt, &job.UpdatedAt,
		&claimID,
	)
	if err != nil {
		return nil, err
	}

	if job.Status, err = async.ParseJobStatus(status); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	if claimID != nil {
		job.ClaimID = *claimID
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*async.Job, error) {
	defer rows.Close()

	var jobs []*async.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// CreateJob inserts a new job
func (s *Store) CreateJob(ctx context.Context, job *async.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pulse_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.OwnerID, job.Kind, []byte(job.Payload), job.Status.String(), job.Priority,
		job.RetryCount, job.MaxRetries, nullText(job.ErrorMessage), nullJSON(job.Result),
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.NextProcessingAt, job.UpdatedAt,
		nullText(job.ClaimID),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*async.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pulse_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *Store) ListJobs(ctx context.Context, filter async.ListFilter) ([]*async.Job, error) {
	status := ""
	if filter.Status != async.StatusUnknown {
		status = filter.Status.String()
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = async.DefaultListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM pulse_jobs
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR job_kind = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`,
		filter.OwnerID, status, filter.Kind, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return collectJobs(rows)
}

// ClaimNext locks the best eligible row, skipping rows other instances hold.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*async.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE pulse_jobs
		SET status = 'processing', claim_id = $2, started_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM pulse_jobs
			WHERE status = 'queued' AND next_processing_at <= $1
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, uuid.NewString(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim next job")
	}
	return job, nil
}

// CountByStatus returns a count for every status, zero included
func (s *Store) CountByStatus(ctx context.Context) (map[async.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM pulse_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[async.JobStatus]int, len(async.AllStatuses))
	for _, st := range async.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		st, err := async.ParseJobStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job counts")
	}
	return counts, nil
}

// CountStatus counts jobs in a single status
func (s *Store) CountStatus(ctx context.Context, status async.JobStatus) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pulse_jobs WHERE status = $1`, status.String()).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s jobs", status)
	}
	return int(n), nil
}

func (s *Store) CompleteJob(ctx context.Context, claim async.Claim, result json.RawMessage, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pulse_jobs
		SET status = 'completed', result = $1, error_message = NULL,
		    completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'processing' AND claim_id = $4`,
		nullJSON(result), now, claim.JobID, claim.ClaimID,
	)
	return guarded(tag, err, "complete", claim.JobID)
}

func (s *Store) RequeueJob(ctx context.Context, claim async.Claim, retryCount int, nextAt, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pulse_jobs
		SET status = 'queued', retry_count = $1, next_processing_at = $2,
		    error_message = NULL, started_at = NULL, updated_at = $3
		WHERE id = $4 AND status = 'processing' AND claim_id = $5`,
		retryCount, nextAt, now, claim.JobID, claim.ClaimID,
	)
	return guarded(tag, err, "requeue", claim.JobID)
}

func (s *Store) FailJob(ctx context.Context, claim async.Claim, retryCount int, message string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pulse_jobs
		SET status = 'failed', retry_count = $1, error_message = $2,
		    completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'processing' AND claim_id = $5`,
		retryCount, message, now, claim.JobID, claim.ClaimID,
	)
	return guarded(tag, err, "fail", claim.JobID)
}

func (s *Store) CancelJob(ctx context.Context, id, ownerID, reason string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pulse_jobs
		SET status = 'cancelled', error_message = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status IN ('queued', 'processing')
		  AND ($4 = '' OR owner_id = $4)`,
		reason, now, id, ownerID,
	)
	return guarded(tag, err, "cancel", id)
}

func (s *Store) ResetJob(ctx context.Context, id, ownerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pulse_jobs
		SET status = 'queued', retry_count = 0, error_message = NULL, result = NULL,
		    started_at = NULL, completed_at = NULL, next_processing_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'failed'
		  AND ($3 = '' OR owner_id = $3)`,
		now, id, ownerID,
	)
	return guarded(tag, err, "reset", id)
}

// DeleteTerminalBefore removes finished jobs whose completion predates cutoff
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM pulse_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up jobs")
	}
	return int(tag.RowsAffected()), nil
}

// ListStale returns processing jobs started before the threshold, oldest first
func (s *Store) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*async.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM pulse_jobs
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`,
		startedBefore, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale jobs")
	}
	return collectJobs(rows)
}

func guarded(tag pgconn.CommandTag, err error, op, id string) (bool, error) {
	if err != nil {
		return false, errors.Wrapf(err, "failed to %s job %s", op, id)
	}
	return tag.RowsAffected() == 1, nil
}
