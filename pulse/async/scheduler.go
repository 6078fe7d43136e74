package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/pulse"
	"github.com/teranos/loom/sym"
)

// ErrJoinTimeout is returned by Stop when workers were abandoned.
var ErrJoinTimeout = errors.New("workers did not finish before the join timeout")

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general scheduler operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general scheduler operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	// MaxConcurrentJobs caps jobs in processing across every scheduler
	// sharing the store.
	MaxConcurrentJobs int
	// PollInterval is the idle wait when nothing is eligible.
	PollInterval time.Duration
	// CapacityWait is the wait when the concurrency cap is reached.
	CapacityWait time.Duration
	// ErrorBackoff is the wait after a storage error; it doubles after
	// repeated errors up to MaxErrorBackoff.
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
	// JoinTimeout bounds how long Stop waits for in-flight workers.
	JoinTimeout time.Duration
	// ExecutorTimeout bounds a single executor call; zero disables it.
	ExecutorTimeout time.Duration
	// StaleAfter is the processing age reclaimed at Start; zero disables it.
	StaleAfter time.Duration
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentJobs: 3,
		PollInterval:      5 * time.Second,
		CapacityWait:      time.Second,
		ErrorBackoff:      5 * time.Second,
		MaxErrorBackoff:   30 * time.Second,
		JoinTimeout:       30 * time.Second,
		ExecutorTimeout:   5 * time.Minute,
		StaleAfter:        30 * time.Minute,
	}
}

// SchedulerConfigFrom reads the pulse section of am.toml.
func SchedulerConfigFrom(cfg am.PulseConfig) SchedulerConfig {
	sc := DefaultSchedulerConfig()
	sc.MaxConcurrentJobs = cfg.MaxConcurrentJobs
	sc.PollInterval = cfg.PollInterval()
	sc.JoinTimeout = cfg.WorkerJoinTimeout()
	sc.ExecutorTimeout = cfg.ExecutorTimeout()
	sc.StaleAfter = cfg.StaleAfter()
	return sc
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.MaxConcurrentJobs < 1 {
		c.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CapacityWait <= 0 {
		c.CapacityWait = def.CapacityWait
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.MaxErrorBackoff < c.ErrorBackoff {
		c.MaxErrorBackoff = c.ErrorBackoff
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	return c
}

// maxConsecutiveErrors is how many storage errors in a row trigger backoff growth
const maxConsecutiveErrors = 5

// Scheduler claims eligible jobs and runs each on its own worker goroutine
// while fewer than MaxConcurrentJobs are processing.
//
// Lifecycle: Start → (loop) → Stop. The dispatch loop stops on Stop or when
// the Start context is cancelled; in-flight workers are joined by Stop with
// a bounded wait and abandoned after it.
type Scheduler struct {
	queue    *Queue
	executor Executor
	notifier pulse.Notifier
	cfg      SchedulerConfig
	logger   pulseLogger

	maxConcurrent atomic.Int64
	active        atomic.Int64
	claimed       atomic.Int64
	completed     atomic.Int64
	failed        atomic.Int64
	retried       atomic.Int64

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	loopDone   chan struct{}
	workCtx    context.Context
	workCancel context.CancelFunc
	workers    sync.WaitGroup
	startTime  time.Time
}

// NewScheduler creates a stopped scheduler. A nil notifier discards events.
func NewScheduler(queue *Queue, executor Executor, notifier pulse.Notifier, cfg SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	if notifier == nil {
		notifier = pulse.NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		queue:    queue,
		executor: executor,
		notifier: notifier,
		cfg:      cfg,
		logger:   pulseLogger{logger.Named("pulse")},
	}
	s.maxConcurrent.Store(int64(cfg.MaxConcurrentJobs))
	return s
}

// MaxConcurrentJobs returns the current concurrency cap.
func (s *Scheduler) MaxConcurrentJobs() int {
	return int(s.maxConcurrent.Load())
}

// SetMaxConcurrentJobs changes the cap for subsequent loop iterations.
// Jobs already running are not interrupted. Values below 1 are ignored.
func (s *Scheduler) SetMaxConcurrentJobs(n int) {
	if n < 1 {
		return
	}
	if old := s.maxConcurrent.Swap(int64(n)); old != int64(n) {
		s.logger.Pulse("Max concurrent jobs changed", "from", old, "to", n)
	}
}

// ActiveWorkers returns the number of workers this scheduler is running.
func (s *Scheduler) ActiveWorkers() int {
	return int(s.active.Load())
}

// Start reclaims stale jobs and launches the dispatch loop.
// ✿ Opening: stale reconciliation runs before the first claim
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	if s.cfg.StaleAfter > 0 {
		n, err := s.queue.ReconcileStale(ctx, s.cfg.StaleAfter)
		if err != nil {
			s.logger.Warnw("Failed to reconcile stale jobs", "error", err)
		} else if n > 0 {
			s.logger.Starting("Opening - reclaimed jobs left processing by a previous run", "count", n)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	// Workers outlive the loop so Stop can join them after dispatch halts.
	s.workCtx, s.workCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true
	s.startTime = time.Now()

	s.logger.Starting("Scheduler started",
		"max_concurrent_jobs", s.MaxConcurrentJobs(),
		"poll_interval", s.cfg.PollInterval.String(),
	)

	go s.loop(loopCtx, s.loopDone)
	return nil
}

// Stop halts dispatch and waits up to JoinTimeout for in-flight workers.
// Workers still running afterwards are cancelled and abandoned; their jobs
// stay processing until the next stale reconciliation. Returns
// ErrJoinTimeout in that case.
// ❀ Closing
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, loopDone, workCancel := s.cancel, s.loopDone, s.workCancel
	s.mu.Unlock()

	cancel()
	<-loopDone

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-done:
		workCancel()
		s.logger.Pulse("Scheduler stopped - all workers exited cleanly")
		return nil
	case <-timer.C:
		abandoned := s.ActiveWorkers()
		workCancel()
		s.logger.Closing("Scheduler stop timed out - abandoning workers",
			"timeout", s.cfg.JoinTimeout.String(),
			"abandoned", abandoned,
		)
		return errors.WithDetail(ErrJoinTimeout, fmt.Sprintf("Abandoned workers: %d", abandoned))
	}
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	errorCount := 0
	for {
		if ctx.Err() != nil {
			return
		}

		wait, err := s.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errorCount++
			wait = s.errorBackoff(errorCount)
			s.logger.Errorw("Scheduler iteration failed",
				"error", err,
				"consecutive_errors", errorCount,
				"backoff", wait.String(),
			)
		} else if errorCount > 0 {
			s.logger.Infow("Scheduler recovered from errors", "previous_error_count", errorCount)
			errorCount = 0
		}

		if wait > 0 && !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (s *Scheduler) errorBackoff(errorCount int) time.Duration {
	d := s.cfg.ErrorBackoff
	for i := maxConsecutiveErrors; i < errorCount && d < s.cfg.MaxErrorBackoff; i++ {
		d *= 2
	}
	return min(d, s.cfg.MaxErrorBackoff)
}

// tick runs one iteration: capacity check, claim, dispatch. It returns how
// long to wait before the next iteration.
func (s *Scheduler) tick(ctx context.Context) (wait time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("scheduler iteration panicked: %v", r)
		}
	}()

	limit := s.MaxConcurrentJobs()
	processing, err := s.queue.CountProcessing(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count processing jobs")
	}
	if processing >= limit || s.ActiveWorkers() >= limit {
		return s.cfg.CapacityWait, nil
	}

	job, err := s.queue.ClaimNext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to claim next job")
	}
	if job == nil {
		return s.cfg.PollInterval, nil
	}

	s.claimed.Add(1)
	s.dispatch(job)
	return 0, nil
}

func (s *Scheduler) dispatch(job *Job) {
	ctx := s.workCtx
	s.workers.Add(1)
	s.active.Add(1)
	go func() {
		defer s.workers.Done()
		defer s.active.Add(-1)
		s.runJob(ctx, job)
	}()
}

// runJob drives one claimed job to its next state.
func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	log := pulseLogger{s.logger.With(
		"job_id", job.ID,
		"job_kind", job.Kind,
		"retry_count", job.RetryCount,
	)}
	start := time.Now()

	s.publishUpdate(job, pulse.ProgressStarted, "started")
	s.publishUpdate(job, pulse.ProgressGenerating, "generating")

	result, execErr := s.execute(ctx, job)

	if ctx.Err() != nil {
		// Abandoned by Stop; the record stays processing for reconciliation.
		log.Warnw("Worker abandoned during shutdown", "error", execErr)
		return
	}

	if execErr != nil {
		s.handleFailure(ctx, log, job, execErr)
		return
	}

	s.publishUpdate(job, pulse.ProgressFinalizing, "finalizing")

	updated, err := s.queue.Complete(ctx, job, result)
	if err != nil {
		if errors.Is(err, ErrJobNotProcessing) {
			log.Infow("Job left processing while running, discarding result")
			return
		}
		log.Errorw("Failed to record job completion", "error", err)
		return
	}

	s.completed.Add(1)
	log.Infow(sym.Pulse+" Job completed", "duration_ms", time.Since(start).Milliseconds())
	s.notifier.Publish(s.event(updated, pulse.EventComplete, pulse.ProgressDone, "completed"))
}

// execute calls the executor with the per-call timeout and turns panics
// into transient errors.
func (s *Scheduler) execute(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	callCtx := ctx
	if s.cfg.ExecutorTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.ExecutorTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("executor panicked: %v", r)
		}
	}()

	result, err = s.executor.Execute(callCtx, job)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.Mark(errors.Wrapf(err, "executor exceeded %s", s.cfg.ExecutorTimeout), errors.ErrTimeout)
	}
	return result, err
}

func (s *Scheduler) handleFailure(ctx context.Context, log pulseLogger, job *Job, cause error) {
	class := ClassifyError(cause)

	var updated *Job
	var err error
	if class.Retryable() {
		updated, err = s.queue.ScheduleRetry(ctx, job, cause)
	} else {
		updated, err = s.queue.Fail(ctx, job, cause)
	}
	if err != nil {
		if errors.Is(err, ErrJobNotProcessing) {
			log.Infow("Job left processing while running, discarding failure", "error", cause)
			return
		}
		log.Errorw("Failed to record job failure", "error", err, "cause", cause)
		return
	}

	if updated.Status == StatusFailed {
		s.failed.Add(1)
	} else {
		s.retried.Add(1)
	}
	log.Warnw("Job attempt failed",
		"error", cause,
		"error_class", class.String(),
		"status", updated.Status.String(),
	)

	msg := "failed"
	if updated.Status == StatusQueued {
		msg = "retry scheduled"
	}
	ev := s.event(updated, pulse.EventError, 0, msg)
	ev.Error = errorMessage(cause)
	s.notifier.Publish(ev)
}

func (s *Scheduler) publishUpdate(job *Job, progress int, msg string) {
	s.notifier.Publish(s.event(job, pulse.EventUpdate, progress, msg))
}

func (s *Scheduler) event(job *Job, kind pulse.EventKind, progress int, msg string) pulse.Event {
	return pulse.Event{
		Kind:      kind,
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		JobKind:   job.Kind,
		Status:    job.Status.String(),
		Message:   msg,
		Progress:  progress,
		Result:    job.Result,
		Timestamp: time.Now().UTC(),
	}
}

// sleepCtx waits for d or ctx cancellation; false means ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
