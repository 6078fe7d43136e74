package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/db"
	pgdb "github.com/teranos/loom/db/postgres"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/generate"
	"github.com/teranos/loom/pulse"
	"github.com/teranos/loom/pulse/async"
	"github.com/teranos/loom/pulse/async/pgstore"
	"github.com/teranos/loom/pulse/notify"
	"github.com/teranos/loom/pulse/schedule"
)

// loadConfig honors --config, falling back to the standard locations.
func loadConfig(cmd *cobra.Command) (*am.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		cfg, err := am.LoadFromFile(path)
		return cfg, path, err
	}
	cfg, err := am.Load()
	if err != nil {
		return nil, "", err
	}
	return cfg, am.ActiveConfigFile(), nil
}

// openStore opens the configured job store, running migrations first.
func openStore(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (async.Store, func(), error) {
	switch cfg.Database.Driver {
	case am.DriverPostgres:
		if err := pgdb.Migrate(cfg.Database.URL, log); err != nil {
			return nil, nil, err
		}
		pool, err := pgdb.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns, log)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool.Close, nil

	default:
		path := cfg.GetDatabasePath()
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
				return nil, nil, errors.Wrapf(err, "failed to create database directory %s", dir)
			}
		}
		conn, err := db.OpenWithMigrations(path, log)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open database at %s", path)
		}
		return async.NewSQLiteStore(conn), func() { _ = conn.Close() }, nil
	}
}

// jobCore is the assembled job core shared by `loom server` and `loom pulse start`.
type jobCore struct {
	cfg       *am.Config
	queue     *async.Queue
	registry  *async.Registry
	hub       *notify.Hub
	redis     *notify.Redis
	notifier  pulse.Notifier
	scheduler *async.Scheduler
	ticker    *schedule.Ticker
	closers   []func()
}

func buildRuntime(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*jobCore, error) {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rt := &jobCore{cfg: cfg, closers: []func(){closeStore}}

	rt.queue = async.NewQueue(store, async.QueueConfigFrom(cfg.Pulse), log)

	rt.registry = async.NewRegistry()
	client := generate.NewClientFromConfig(cfg.Generation, log)
	if !client.IsConfigured() {
		log.Warnw("Generation API key not set; jobs will fail until generation.api_key is configured")
	}
	generate.Register(rt.registry, client)

	rt.hub = notify.NewHub(log)
	notifier := pulse.Notifier(rt.hub)
	if cfg.Redis.URL != "" {
		rt.redis, err = notify.NewRedisFromURL(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix, log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = rt.redis.Close() })
		notifier = notify.Multi{rt.hub, rt.redis}
	}

	rt.notifier = notifier
	rt.scheduler = async.NewScheduler(rt.queue, rt.registry, notifier, async.SchedulerConfigFrom(cfg.Pulse), log)

	rt.ticker = schedule.NewTicker(rt.queue, rt.scheduler, schedule.DefaultTickerConfig(), log)
	for _, task := range schedule.MaintenanceTasks(rt.queue, cfg.Pulse) {
		rt.ticker.AddTask(task)
	}
	return rt, nil
}

// applyReload pushes hot-reloadable settings into running components.
func (rt *jobCore) applyReload(cfg *am.Config, log *zap.SugaredLogger) error {
	if cfg.Pulse.MaxConcurrentJobs != rt.scheduler.MaxConcurrentJobs() {
		log.Infow("Applying max_concurrent_jobs from config",
			"old", rt.scheduler.MaxConcurrentJobs(),
			"new", cfg.Pulse.MaxConcurrentJobs)
		rt.scheduler.SetMaxConcurrentJobs(cfg.Pulse.MaxConcurrentJobs)
	}
	return nil
}

// Close releases stores and connections in reverse order.
func (rt *jobCore) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}
