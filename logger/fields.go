package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	FieldJobID     = "job_id"
	FieldOwnerID   = "owner_id"
	FieldJobKind   = "job_kind"
	FieldComponent = "component"

	FieldStatus     = "status"
	FieldRetryCount = "retry_count"
	FieldPriority   = "priority"
	FieldNextRun    = "next_processing_at"

	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldAddress    = "address"

	FieldSymbol = "symbol" // segment symbol (꩜, ✿, ❀, ⊔)
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	scheduler := async.NewScheduler(queue, executor, notifier, cfg,
//	    logger.ComponentLogger("pulse.scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
//
// Example:
//
//	jobLogger := logger.ChildLogger(baseLogger, logger.FieldJobID, job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
