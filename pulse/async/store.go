package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/loom/errors"
)

// Store persists jobs. Every method is a single atomic statement; the
// boolean returned by guarded transitions reports whether a row matched.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)

	// ClaimNext moves the highest-priority eligible queued job to
	// processing and returns it, or returns nil when none is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	CountStatus(ctx context.Context, status JobStatus) (int, error)

	// Worker transitions. They match only while the job is processing
	// under the given claim.
	CompleteJob(ctx context.Context, claim Claim, result json.RawMessage, now time.Time) (bool, error)
	RequeueJob(ctx context.Context, claim Claim, retryCount int, nextAt, now time.Time) (bool, error)
	FailJob(ctx context.Context, claim Claim, retryCount int, message string, now time.Time) (bool, error)

	// Owner transitions. An empty owner matches any owner.
	CancelJob(ctx context.Context, id, ownerID, reason string, now time.Time) (bool, error)
	ResetJob(ctx context.Context, id, ownerID string, now time.Time) (bool, error)

	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
	ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*Job, error)
}

// SQLiteStore is the embedded Store backed by database/sql and mattn/go-sqlite3.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a migrated database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

var _ Store = (*SQLiteStore)(nil)

// CreateJob inserts a new job
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO pulse_jobs (
			id, owner_id, job_kind, payload, status, priority,
			retry_count, max_retries, error_message, result,
			created_at, started_at, completed_at, next_processing_at, updated_at,
			claim_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Kind,
		string(job.Payload),
		job.Status,
		job.Priority,
		job.RetryCount,
		job.MaxRetries,
		nullString(job.ErrorMessage),
		nullJSON(job.Result),
		formatTime(job.CreatedAt),
		formatNullTime(job.StartedAt),
		formatNullTime(job.CompletedAt),
		formatTime(job.NextProcessingAt),
		formatTime(job.UpdatedAt),
		nullString(job.ClaimID),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pulse_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *SQLiteStore) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pulse_jobs WHERE 1=1`
	var args []interface{}

	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.Status != StatusUnknown {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += ` AND job_kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return scanJobs(rows)
}

// ClaimNext selects and transitions in one statement, so two callers can
// never receive the same job.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	ts := formatTime(now)
	query := `
		UPDATE pulse_jobs
		SET status = 'processing', claim_id = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM pulse_jobs
			WHERE status = 'queued' AND next_processing_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, uuid.NewString(), ts, ts, ts))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim next job")
	}
	return job, nil
}

// CountByStatus returns a count for every status, zero included
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pulse_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st JobStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job counts")
	}
	return counts, nil
}

// CountStatus counts jobs in a single status
func (s *SQLiteStore) CountStatus(ctx context.Context, status JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_jobs WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s jobs", status)
	}
	return n, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, claim Claim, result json.RawMessage, now time.Time) (bool, error) {
	ts := formatTime(now)
	query := `
		UPDATE pulse_jobs
		SET status = 'completed', result = ?, error_message = NULL,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_id = ?
	`
	return s.execGuarded(ctx, "complete", claim.JobID, query,
		nullJSON(result), ts, ts, claim.JobID, claim.ClaimID)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, claim Claim, retryCount int, nextAt, now time.Time) (bool, error) {
	query := `
		UPDATE pulse_jobs
		SET status = 'queued', retry_count = ?, next_processing_at = ?,
		    error_message = NULL, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_id = ?
	`
	return s.execGuarded(ctx, "requeue", claim.JobID, query,
		retryCount, formatTime(nextAt), formatTime(now), claim.JobID, claim.ClaimID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, claim Claim, retryCount int, message string, now time.Time) (bool, error) {
	ts := formatTime(now)
	query := `
		UPDATE pulse_jobs
		SET status = 'failed', retry_count = ?, error_message = ?,
		    completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_id = ?
	`
	return s.execGuarded(ctx, "fail", claim.JobID, query,
		retryCount, message, ts, ts, claim.JobID, claim.ClaimID)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, id, ownerID, reason string, now time.Time) (bool, error) {
	ts := formatTime(now)
	query := `
		UPDATE pulse_jobs
		SET status = 'cancelled', error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'processing')
		  AND (? = '' OR owner_id = ?)
	`
	return s.execGuarded(ctx, "cancel", id, query, reason, ts, ts, id, ownerID, ownerID)
}

func (s *SQLiteStore) ResetJob(ctx context.Context, id, ownerID string, now time.Time) (bool, error) {
	ts := formatTime(now)
	query := `
		UPDATE pulse_jobs
		SET status = 'queued', retry_count = 0, error_message = NULL, result = NULL,
		    started_at = NULL, completed_at = NULL, next_processing_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'
		  AND (? = '' OR owner_id = ?)
	`
	return s.execGuarded(ctx, "reset", id, query, ts, ts, id, ownerID, ownerID)
}

// DeleteTerminalBefore removes finished jobs whose completion predates cutoff
func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM pulse_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL AND completed_at < ?
	`
	res, err := s.db.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read cleanup count")
	}
	return int(n), nil
}

// ListStale returns processing jobs started before the threshold, oldest first
func (s *SQLiteStore) ListStale(ctx context.Context, startedBefore time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pulse_jobs
		WHERE status = 'processing' AND started_at < ?
		ORDER BY started_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, formatTime(startedBefore), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale jobs")
	}
	return scanJobs(rows)
}

func (s *SQLiteStore) execGuarded(ctx context.Context, op, id, query string, args ...interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to %s job %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to %s job %s", op, id)
	}
	return n == 1, nil
}
