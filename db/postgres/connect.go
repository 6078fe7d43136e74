// Package postgres connects the job store to PostgreSQL for deployments where
// several scheduler instances share one queue.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/sym"
)

// Connect creates a pgx connection pool and verifies it with a ping.
func Connect(ctx context.Context, url string, maxConns int32, logger *zap.SugaredLogger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database url")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.WithHint(
			errors.Wrap(err, "failed to reach postgres"),
			"check database.url and that the server accepts connections")
	}

	if logger != nil {
		logger.Infow("Postgres pool ready",
			"symbol", sym.DB,
			"host", cfg.ConnConfig.Host,
			"database", cfg.ConnConfig.Database,
			"max_conns", cfg.MaxConns,
		)
	}
	return pool, nil
}
