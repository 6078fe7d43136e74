package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "loom.db")
	v.SetDefault("database.max_conns", 10)

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
	})

	// Pulse (job dispatch) defaults
	v.SetDefault("pulse.max_concurrent_jobs", 3)
	v.SetDefault("pulse.poll_interval_seconds", 5)
	v.SetDefault("pulse.max_retries", 3)
	v.SetDefault("pulse.backoff_base", 2.0)
	v.SetDefault("pulse.backoff_max_minutes", 8)
	v.SetDefault("pulse.retention_days", 7)
	v.SetDefault("pulse.worker_join_timeout_seconds", 30)
	v.SetDefault("pulse.executor_timeout_seconds", 300)
	v.SetDefault("pulse.stale_after_minutes", 30)
	v.SetDefault("pulse.stale_sweep_interval_seconds", 60)
	v.SetDefault("pulse.cleanup_interval_minutes", 60)

	// Generation defaults
	v.SetDefault("generation.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("generation.model", "openai/gpt-4o-mini")
	v.SetDefault("generation.temperature", 0.2)
	v.SetDefault("generation.max_tokens", 1000)
	v.SetDefault("generation.requests_per_minute", 60)
	v.SetDefault("generation.timeout_seconds", 120)
	v.SetDefault("generation.allow_private_hosts", false)

	// Redis fan-out is off unless a URL is configured
	v.SetDefault("redis.channel_prefix", "loom:job:")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("generation.api_key", "LOOM_GENERATION_API_KEY", "OPENROUTER_API_KEY")
	_ = v.BindEnv("database.url", "LOOM_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("database.path", "LOOM_DATABASE_PATH")
	_ = v.BindEnv("redis.url", "LOOM_REDIS_URL", "REDIS_URL")
}

// GetDatabasePath returns the configured SQLite path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "loom.db"
	}
	return c.Database.Path
}

// GetServerPort returns the configured port, falling back to the default
func (c *Config) GetServerPort() int {
	if c.Server.Port <= 0 {
		return DefaultServerPort
	}
	return c.Server.Port
}
