package async

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/loom/errors"
)

// SchedulerMetrics is a snapshot of scheduler and host state for monitoring
type SchedulerMetrics struct {
	WorkersActive     int     `json:"workers_active"`      // Workers executing jobs in this process
	MaxConcurrentJobs int     `json:"max_concurrent_jobs"` // Current concurrency cap
	JobsQueued        int     `json:"jobs_queued"`         // Jobs waiting in the store
	JobsProcessing    int     `json:"jobs_processing"`     // Jobs processing across all instances
	JobsClaimed       int64   `json:"jobs_claimed"`        // Claims since start
	JobsCompleted     int64   `json:"jobs_completed"`
	JobsFailed        int64   `json:"jobs_failed"`
	JobsRetried       int64   `json:"jobs_retried"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	MemoryUsedGB      float64 `json:"memory_used_gb"`
	MemoryTotalGB     float64 `json:"memory_total_gb"`
	MemoryPercent     float64 `json:"memory_percent"`
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// Metrics returns current scheduler counters, queue depth and memory usage.
// Store and host errors degrade to zero values.
func (s *Scheduler) Metrics(ctx context.Context) SchedulerMetrics {
	m := SchedulerMetrics{
		WorkersActive:     s.ActiveWorkers(),
		MaxConcurrentJobs: s.MaxConcurrentJobs(),
		JobsClaimed:       s.claimed.Load(),
		JobsCompleted:     s.completed.Load(),
		JobsFailed:        s.failed.Load(),
		JobsRetried:       s.retried.Load(),
	}

	s.mu.Lock()
	if s.running {
		m.UptimeSeconds = time.Since(s.startTime).Seconds()
	}
	s.mu.Unlock()

	if counts, err := s.queue.Store().CountByStatus(ctx); err == nil {
		m.JobsQueued = counts[StatusQueued]
		m.JobsProcessing = counts[StatusProcessing]
	}

	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		const gb = 1024 * 1024 * 1024
		m.MemoryTotalGB = float64(total) / gb
		m.MemoryUsedGB = float64(total-available) / gb
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}
	return m
}
