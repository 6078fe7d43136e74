// Package async provides the generation job queue and its dispatch scheduler.
package async

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/loom/errors"
)

// JobStatus is the lifecycle state of a job.
//
// The zero value is StatusUnknown and never persisted.
type JobStatus uint8

const (
	StatusUnknown JobStatus = iota
	StatusQueued
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// AllStatuses lists every persisted status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// TerminalStatuses are the statuses cleanup may remove.
var TerminalStatuses = []JobStatus{
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusUnknown:
		return "unknown"
	}
	return "unknown"
}

// ParseJobStatus parses the persisted form of a status.
func ParseJobStatus(s string) (JobStatus, error) {
	switch s {
	case "queued":
		return StatusQueued, nil
	case "processing":
		return StatusProcessing, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "cancelled":
		return StatusCancelled, nil
	}
	return StatusUnknown, errors.NewInvalidRequestError("unknown job status %q", s)
}

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	case StatusQueued, StatusProcessing, StatusUnknown:
		return false
	}
	return false
}

// CanTransition reports whether s -> to is a legal lifecycle edge.
//
//	queued     -> processing | cancelled
//	processing -> completed | queued (retry) | failed | cancelled
//	failed     -> queued (manual retry)
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusQueued || to == StatusFailed || to == StatusCancelled
	case StatusFailed:
		return to == StatusQueued
	case StatusCompleted, StatusCancelled, StatusUnknown:
		return false
	}
	return false
}

// MarshalText encodes the status as its string form, so JSON carries "queued"
// and map[JobStatus]int marshals with readable keys.
func (s JobStatus) MarshalText() ([]byte, error) {
	if s == StatusUnknown {
		return nil, errors.New("cannot marshal unknown job status")
	}
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseJobStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s JobStatus) Value() (driver.Value, error) {
	if s == StatusUnknown {
		return nil, errors.New("cannot store unknown job status")
	}
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *JobStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return errors.Newf("cannot scan %T into JobStatus", src)
	}
}

// Job is one unit of generation work and the source of truth for its state.
type Job struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Kind             string          `json:"job_kind"`
	Payload          json.RawMessage `json:"payload"`
	Status           JobStatus       `json:"status"`
	Priority         int             `json:"priority"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	NextProcessingAt time.Time       `json:"next_processing_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	// ClaimID is issued by ClaimNext for each processing attempt.
	ClaimID string `json:"-"`
}

// Claim identifies one processing attempt of a job. Worker-side transitions
// only apply while the record still carries the claim's token; every
// ClaimNext issues a fresh one, so a requeue or reset invalidates it.
type Claim struct {
	JobID   string
	ClaimID string
}

// Claim returns the claim held by whoever dequeued this job.
func (j *Job) Claim() Claim {
	return Claim{JobID: j.ID, ClaimID: j.ClaimID}
}

// SubmitRequest is the input to Queue.Submit.
type SubmitRequest struct {
	OwnerID  string          `json:"owner_id" toml:"owner_id"`
	Kind     string          `json:"job_kind" toml:"job_kind"`
	Payload  json.RawMessage `json:"payload" toml:"-"`
	Priority int             `json:"priority" toml:"priority"`
	// MaxRetries overrides the queue default when non-nil.
	MaxRetries *int `json:"max_retries,omitempty" toml:"max_retries"`
}

// Validate checks the fields a store cannot default.
func (r SubmitRequest) Validate() error {
	if r.OwnerID == "" {
		return errors.NewInvalidRequestError("owner_id is required")
	}
	if r.Kind == "" {
		return errors.NewInvalidRequestError("job_kind is required")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.NewInvalidRequestError("payload is not valid JSON")
	}
	if r.MaxRetries != nil && *r.MaxRetries < 0 {
		return errors.NewInvalidRequestError("max_retries must be >= 0, got %d", *r.MaxRetries)
	}
	return nil
}

// ListFilter narrows ListJobs. Zero values mean "any".
type ListFilter struct {
	OwnerID string
	Status  JobStatus
	Kind    string
	Limit   int
}

// DefaultListLimit caps listings without an explicit limit.
const DefaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// newJob builds a queued job that is eligible immediately.
func newJob(req SubmitRequest, maxRetries int, now time.Time) *Job {
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	return &Job{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Kind:             req.Kind,
		Payload:          payload,
		Status:           StatusQueued,
		Priority:         req.Priority,
		MaxRetries:       maxRetries,
		CreatedAt:        now,
		NextProcessingAt: now,
		UpdatedAt:        now,
	}
}
