package am

import "github.com/teranos/loom/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", DriverSQLite:
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.WithHint(
				errors.New("database.url is required when database.driver = \"postgres\""),
				"set LOOM_DATABASE_URL or database.url in am.toml")
		}
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be within 0-65535, got %d", c.Server.Port)
	}

	p := c.Pulse
	if p.MaxConcurrentJobs < 1 {
		return errors.Newf("pulse.max_concurrent_jobs must be >= 1, got %d", p.MaxConcurrentJobs)
	}
	if p.PollIntervalSeconds < 1 {
		return errors.Newf("pulse.poll_interval_seconds must be >= 1, got %d", p.PollIntervalSeconds)
	}
	if p.MaxRetries < 0 {
		return errors.Newf("pulse.max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BackoffBase < 1 {
		return errors.Newf("pulse.backoff_base must be >= 1, got %g", p.BackoffBase)
	}
	if p.BackoffMaxMinutes < 0 {
		return errors.Newf("pulse.backoff_max_minutes must be >= 0, got %d", p.BackoffMaxMinutes)
	}
	if p.RetentionDays < 1 {
		return errors.Newf("pulse.retention_days must be >= 1, got %d", p.RetentionDays)
	}
	if p.WorkerJoinTimeoutSeconds < 0 {
		return errors.Newf("pulse.worker_join_timeout_seconds must be >= 0, got %d", p.WorkerJoinTimeoutSeconds)
	}
	if p.ExecutorTimeoutSeconds < 0 {
		return errors.Newf("pulse.executor_timeout_seconds must be >= 0, got %d", p.ExecutorTimeoutSeconds)
	}
	if p.StaleAfterMinutes < 0 {
		return errors.Newf("pulse.stale_after_minutes must be >= 0, got %d", p.StaleAfterMinutes)
	}
	if p.CleanupIntervalMinutes < 0 {
		return errors.Newf("pulse.cleanup_interval_minutes must be >= 0, got %d", p.CleanupIntervalMinutes)
	}

	// A sweep that fires before the call timeout would requeue jobs that are still running
	if p.StaleAfterMinutes > 0 && p.ExecutorTimeoutSeconds == 0 {
		return errors.WithHint(
			errors.New("pulse.stale_after_minutes requires pulse.executor_timeout_seconds > 0"),
			"set executor_timeout_seconds below the stale threshold or set stale_after_minutes = 0")
	}
	if p.StaleAfterMinutes > 0 && p.StaleAfter() <= p.ExecutorTimeout() {
		return errors.WithHint(
			errors.Newf("pulse.stale_after_minutes (%d) must exceed pulse.executor_timeout_seconds (%d)",
				p.StaleAfterMinutes, p.ExecutorTimeoutSeconds),
			"raise stale_after_minutes or lower executor_timeout_seconds")
	}
	if p.StaleAfterMinutes > 0 && p.StaleSweepIntervalSeconds < 1 {
		return errors.Newf("pulse.stale_sweep_interval_seconds must be >= 1 when the sweep is enabled, got %d", p.StaleSweepIntervalSeconds)
	}

	if c.Generation.MaxTokens < 0 {
		return errors.Newf("generation.max_tokens must be >= 0, got %d", c.Generation.MaxTokens)
	}
	if c.Generation.RequestsPerMinute < 0 {
		return errors.Newf("generation.requests_per_minute must be >= 0, got %d", c.Generation.RequestsPerMinute)
	}

	return nil
}
