package am

import "time"

// Config represents the core loom configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Server     ServerConfig     `mapstructure:"server" toml:"server"`
	Pulse      PulseConfig      `mapstructure:"pulse" toml:"pulse"`
	Generation GenerationConfig `mapstructure:"generation" toml:"generation"`
	Redis      RedisConfig      `mapstructure:"redis" toml:"redis"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects and configures the job store
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" toml:"driver"`       // sqlite (default) or postgres
	Path     string `mapstructure:"path" toml:"path"`           // SQLite file path
	URL      string `mapstructure:"url" toml:"url"`             // Postgres connection string
	MaxConns int32  `mapstructure:"max_conns" toml:"max_conns"` // Postgres pool size
}

// ServerConfig configures the HTTP API and progress stream
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 8770
)

// PulseConfig configures job dispatch, retries and retention
type PulseConfig struct {
	MaxConcurrentJobs         int     `mapstructure:"max_concurrent_jobs" toml:"max_concurrent_jobs"`
	PollIntervalSeconds       int     `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`
	MaxRetries                int     `mapstructure:"max_retries" toml:"max_retries"`
	BackoffBase               float64 `mapstructure:"backoff_base" toml:"backoff_base"`
	BackoffMaxMinutes         int     `mapstructure:"backoff_max_minutes" toml:"backoff_max_minutes"`
	RetentionDays             int     `mapstructure:"retention_days" toml:"retention_days"`
	WorkerJoinTimeoutSeconds  int     `mapstructure:"worker_join_timeout_seconds" toml:"worker_join_timeout_seconds"`
	ExecutorTimeoutSeconds    int     `mapstructure:"executor_timeout_seconds" toml:"executor_timeout_seconds"`     // 0 = no call-level timeout
	StaleAfterMinutes         int     `mapstructure:"stale_after_minutes" toml:"stale_after_minutes"`               // 0 = no reconciliation sweep
	StaleSweepIntervalSeconds int     `mapstructure:"stale_sweep_interval_seconds" toml:"stale_sweep_interval_seconds"`
	CleanupIntervalMinutes    int     `mapstructure:"cleanup_interval_minutes" toml:"cleanup_interval_minutes"` // 0 = manual cleanup only
}

// PollInterval returns the idle sleep between claim attempts
func (p PulseConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// BackoffMax returns the retry delay cap
func (p PulseConfig) BackoffMax() time.Duration {
	return time.Duration(p.BackoffMaxMinutes) * time.Minute
}

// Retention returns how long terminal jobs are kept
func (p PulseConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// WorkerJoinTimeout returns how long shutdown waits for in-flight workers
func (p PulseConfig) WorkerJoinTimeout() time.Duration {
	return time.Duration(p.WorkerJoinTimeoutSeconds) * time.Second
}

// ExecutorTimeout returns the per-call generation timeout
func (p PulseConfig) ExecutorTimeout() time.Duration {
	return time.Duration(p.ExecutorTimeoutSeconds) * time.Second
}

// StaleAfter returns the processing age after which a job is reconciled
func (p PulseConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleAfterMinutes) * time.Minute
}

// StaleSweepInterval returns how often the reconciliation sweep runs
func (p PulseConfig) StaleSweepInterval() time.Duration {
	return time.Duration(p.StaleSweepIntervalSeconds) * time.Second
}

// CleanupInterval returns how often retention cleanup runs
func (p PulseConfig) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalMinutes) * time.Minute
}

// GenerationConfig configures the OpenRouter-compatible generation backend
type GenerationConfig struct {
	APIKey            string  `mapstructure:"api_key" toml:"api_key"`
	BaseURL           string  `mapstructure:"base_url" toml:"base_url"`
	Model             string  `mapstructure:"model" toml:"model"`
	Temperature       float64 `mapstructure:"temperature" toml:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens" toml:"max_tokens"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute" toml:"requests_per_minute"` // 0 = unlimited
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	AllowPrivateHosts bool    `mapstructure:"allow_private_hosts" toml:"allow_private_hosts"` // local model gateways
}

// RedisConfig enables cross-instance progress fan-out. Empty URL disables it.
type RedisConfig struct {
	URL           string `mapstructure:"url" toml:"url"`
	ChannelPrefix string `mapstructure:"channel_prefix" toml:"channel_prefix"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
