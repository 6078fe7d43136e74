// Package schedule runs periodic pulse maintenance: retention cleanup and
// the stale-job sweep.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/async"
	"github.com/teranos/loom/sym"
)

// Task is a periodic maintenance action. Run returns how many jobs it touched.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// TaskStatus is the last known outcome of a task
type TaskStatus struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastCount int        `json:"last_count"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int64      `json:"runs"`
}

type taskState struct {
	task   Task
	status TaskStatus
}

// Ticker checks its tasks every interval and runs those that are due.
// Tasks run one at a time on the ticker goroutine.
type Ticker struct {
	queue     *async.Queue
	scheduler *async.Scheduler // For metrics in the activity line; optional
	tasks     []*taskState
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pulseLog  *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	timeNow   func() time.Time

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int // Track last active work count to detect changes
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due tasks (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a ticker with no tasks. scheduler may be nil.
func NewTicker(queue *async.Queue, scheduler *async.Scheduler, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ticker{
		queue:     queue,
		scheduler: scheduler,
		interval:  cfg.Interval,
		pulseLog:  logger.WithSymbol(log.Named("ticker"), sym.Pulse),
		timeNow:   time.Now,
	}
}

// AddTask registers a task; its first run is one interval after Start.
// Tasks with a non-positive interval are ignored.
func (t *Ticker) AddTask(task Task) {
	if task.Interval <= 0 || task.Run == nil {
		t.pulseLog.Debugw("Maintenance task disabled", "task", task.Name)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = append(t.tasks, &taskState{
		task: task,
		status: TaskStatus{
			Name:     task.Name,
			Interval: task.Interval.String(),
		},
	})
}

// MaintenanceTasks builds the retention cleanup and stale sweep tasks from
// the pulse configuration. A zero interval or threshold disables a task.
func MaintenanceTasks(queue *async.Queue, cfg am.PulseConfig) []Task {
	var tasks []Task
	if cfg.CleanupInterval() > 0 && cfg.Retention() > 0 {
		retention := cfg.Retention()
		tasks = append(tasks, Task{
			Name:     "retention-cleanup",
			Interval: cfg.CleanupInterval(),
			Run: func(ctx context.Context) (int, error) {
				return queue.Cleanup(ctx, retention)
			},
		})
	}
	if cfg.StaleSweepInterval() > 0 && cfg.StaleAfter() > 0 {
		staleAfter := cfg.StaleAfter()
		tasks = append(tasks, Task{
			Name:     "stale-sweep",
			Interval: cfg.StaleSweepInterval(),
			Run: func(ctx context.Context) (int, error) {
				return queue.ReconcileStale(ctx, staleAfter)
			},
		})
	}
	return tasks
}

// Start begins the ticker loop. ctx cancellation stops it like Stop.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(ctx)
	now := t.timeNow()
	for _, ts := range t.tasks {
		ts.status.NextRunAt = now.Add(ts.task.Interval)
	}
	names := make([]string, 0, len(t.tasks))
	for _, ts := range t.tasks {
		names = append(names, ts.task.Name)
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(t.ctx)
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval.String(), "tasks", names)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// Run starts the ticker and blocks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	t.Start(ctx)
	<-ctx.Done()
	t.Stop()
	return nil
}

// run is the main ticker loop
func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			t.logActivity(ctx)

			if err := t.runDueTasks(ctx, t.timeNow()); err != nil {
				// Don't spam logs - log errors at warn level
				t.pulseLog.Warnw("Pulse tick error", "error", err, "tick", t.ticksSinceStart)
			}
		}
	}
}

// runDueTasks runs every task whose next run time has passed
func (t *Ticker) runDueTasks(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	var due []*taskState
	for _, ts := range t.tasks {
		if !now.Before(ts.status.NextRunAt) {
			due = append(due, ts)
		}
	}
	t.mu.Unlock()

	var errs []string
	for _, ts := range due {
		n, err := t.runTask(ctx, ts.task)

		t.mu.Lock()
		ran := now
		ts.status.LastRunAt = &ran
		ts.status.NextRunAt = now.Add(ts.task.Interval)
		ts.status.LastCount = n
		ts.status.Runs++
		ts.status.LastError = ""
		if err != nil {
			ts.status.LastError = err.Error()
		}
		t.mu.Unlock()

		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ts.task.Name, err))
			continue
		}
		if n > 0 {
			t.pulseLog.Infow("Maintenance task ran", "task", ts.task.Name, "count", n)
		}
	}

	if len(errs) > 0 {
		return errors.Newf("%d maintenance task(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func (t *Ticker) runTask(ctx context.Context, task Task) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

// RunNow runs the named task immediately, outside the ticker loop.
func (t *Ticker) RunNow(ctx context.Context, name string) (int, error) {
	t.mu.Lock()
	var found *taskState
	for _, ts := range t.tasks {
		if ts.task.Name == name {
			found = ts
		}
	}
	t.mu.Unlock()

	if found == nil {
		return 0, errors.NewNotFoundError("maintenance task %s", name)
	}
	return t.runTask(ctx, found.task)
}

// Status returns a snapshot of every task, in registration order.
func (t *Ticker) Status() []TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskStatus, 0, len(t.tasks))
	for _, ts := range t.tasks {
		out = append(out, ts.status)
	}
	return out
}

// logActivity logs queue activity when the active work count changes
func (t *Ticker) logActivity(ctx context.Context) {
	if t.queue == nil {
		return
	}

	stats, err := t.queue.Statistics(ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get queue stats", "error", err)
		return
	}

	// Active work is queued + processing
	activeWork := stats.ByStatus[async.StatusQueued] + stats.ByStatus[async.StatusProcessing]

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	if activeWork == 0 {
		t.pulseLog.Infow("Pulse - queue idle")
		return
	}

	// 1 symbol per 5 jobs, max 60 symbols
	numSymbols := min(activeWork/5+1, 60)
	indicator := strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols))

	msg := fmt.Sprintf("%s Pulse - %d jobs active", indicator, activeWork)
	if t.scheduler != nil {
		m := t.scheduler.Metrics(ctx)
		msg += fmt.Sprintf(" │ Workers: %d/%d active │ Mem: %.1f/%.1fGB (%.0f%%)",
			m.WorkersActive, m.MaxConcurrentJobs,
			m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}
	t.pulseLog.Infow(msg)
}
