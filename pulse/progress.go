package pulse

import (
	"encoding/json"
	"time"
)

// EventKind identifies a progress event on the job channel.
type EventKind string

const (
	// EventUpdate carries a progress percentage and message
	EventUpdate EventKind = "update"
	// EventComplete carries the final result (progress 100)
	EventComplete EventKind = "complete"
	// EventError carries the resulting status and the error message
	EventError EventKind = "error"
)

// Checkpoints emitted while a job runs.
const (
	ProgressStarted    = 10
	ProgressGenerating = 30
	ProgressFinalizing = 90
	ProgressDone       = 100
)

// Event is a progress notification keyed by job id. Status is the job
// status string; this package does not depend on the job model.
type Event struct {
	Kind      EventKind       `json:"type"`
	JobID     string          `json:"job_id"`
	OwnerID   string          `json:"owner_id,omitempty"`
	JobKind   string          `json:"job_kind,omitempty"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Progress  int             `json:"progress"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notifier publishes progress events to whoever is listening.
//
// Publish is fire-and-forget: it must not block the caller on slow
// observers and has no delivery guarantee. A missed event never affects
// correctness since the job record is the source of truth.
type Notifier interface {
	Publish(event Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

// Publish calls f(event).
func (f NotifierFunc) Publish(event Event) { f(event) }

// NopNotifier discards every event.
type NopNotifier struct{}

// Publish does nothing.
func (NopNotifier) Publish(Event) {}
