package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/loom/errors"
)

// sqliteTimeLayout is fixed-width UTC so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

// jobColumns is the column list every job SELECT/RETURNING uses, in scan order.
const jobColumns = `id, owner_id, job_kind, payload, status, priority,
	retry_count, max_retries, error_message, result,
	created_at, started_at, completed_at, next_processing_at, updated_at,
	claim_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jobScanArgs holds the nullable intermediates for one row.
type jobScanArgs struct {
	payload          string
	errorMessage     sql.NullString
	result           sql.NullString
	createdAt        string
	startedAt        sql.NullString
	completedAt      sql.NullString
	nextProcessingAt string
	updatedAt        string
	claimID          sql.NullString
}

func (a *jobScanArgs) targets(job *Job) []interface{} {
	return []interface{}{
		&job.ID,
		&job.OwnerID,
		&job.Kind,
		&a.payload,
		&job.Status,
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&a.errorMessage,
		&a.result,
		&a.createdAt,
		&a.startedAt,
		&a.completedAt,
		&a.nextProcessingAt,
		&a.updatedAt,
		&a.claimID,
	}
}

func (a *jobScanArgs) apply(job *Job) error {
	var err error
	job.Payload = json.RawMessage(a.payload)
	job.ErrorMessage = a.errorMessage.String
	job.ClaimID = a.claimID.String
	if a.result.Valid {
		job.Result = json.RawMessage(a.result.String)
	}
	if job.CreatedAt, err = parseTime(a.createdAt); err != nil {
		return err
	}
	if job.StartedAt, err = parseNullTime(a.startedAt); err != nil {
		return err
	}
	if job.CompletedAt, err = parseNullTime(a.completedAt); err != nil {
		return err
	}
	if job.NextProcessingAt, err = parseTime(a.nextProcessingAt); err != nil {
		return err
	}
	if job.UpdatedAt, err = parseTime(a.updatedAt); err != nil {
		return err
	}
	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(args.targets(&job)...); err != nil {
		return nil, err
	}
	if err := args.apply(&job); err != nil {
		return nil, errors.Wrapf(err, "failed to decode job %s", job.ID)
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
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
