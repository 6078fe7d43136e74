package async

import (
	"context"

	"github.com/teranos/loom/errors"
)

var (
	// ErrValidation marks executor errors caused by the job itself
	// (bad payload, rejected prompt). Never retried.
	ErrValidation = errors.New("job validation failed")

	// ErrInitialization marks executor errors caused by missing setup
	// (no handler, missing credentials). Never retried.
	ErrInitialization = errors.New("executor initialization failed")

	// ErrJobNotProcessing is returned by worker transitions when the job
	// was cancelled or reclaimed while the worker ran.
	ErrJobNotProcessing = errors.Wrap(errors.ErrConflict, "job is no longer processing under this claim")

	// ErrStaleJob is the failure recorded for jobs reclaimed by the stale sweep.
	ErrStaleJob = errors.New("processing exceeded the stale threshold")
)

// ValidationError marks err as non-recoverable due to invalid input.
func ValidationError(err error) error {
	return errors.Mark(err, ErrValidation)
}

// InitializationError marks err as non-recoverable due to missing setup.
func InitializationError(err error) error {
	return errors.Mark(err, ErrInitialization)
}

// ErrorClass decides what a failed attempt does to the job.
type ErrorClass int

const (
	// ClassTransient errors consume a retry.
	ClassTransient ErrorClass = iota
	ClassValidation
	ClassInitialization
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassInitialization:
		return "initialization"
	}
	return "unknown"
}

// Retryable reports whether the class consumes a retry rather than failing the job.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTransient:
		return true
	case ClassValidation, ClassInitialization:
		return false
	}
	return false
}

// ClassifyError maps an executor error to its class. Anything not explicitly
// marked, timeouts included, is transient.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrInitialization):
		return ClassInitialization
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// maxErrorMessageLen bounds error_message so provider dumps stay readable.
const maxErrorMessageLen = 2000

func errorMessage(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen-3] + "..."
	}
	return msg
}
