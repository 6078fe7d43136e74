package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/async"
	"github.com/teranos/loom/server"
	"github.com/teranos/loom/sym"
	"github.com/teranos/loom/version"
)

// ServerCmd runs the HTTP API together with the scheduler
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP API, progress stream and job scheduler",
	Long: `Run the loom server in the foreground.

The server process runs:
- HTTP API for submitting and managing jobs (/api/jobs)
- WebSocket progress stream (/ws?job=<id>)
- Job scheduler dispatching to the generation backend
- Maintenance ticker (retention cleanup, stale job reconciliation)
- Redis relay when redis.url is configured, so progress from every
  instance reaches clients attached to this one

Ctrl+C stops dispatch and waits worker_join_timeout_seconds for running jobs.`,
	RunE: runServer,
}

func init() {
	ServerCmd.Flags().IntP("port", "p", 0, "HTTP port (default: server.port)")
	ServerCmd.Flags().Bool("no-scheduler", false, "Serve the API only; another process dispatches jobs")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer core.Close()

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.GetServerPort()
	}
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	srvCfg := server.Config{
		Queue:          core.queue,
		Registry:       core.registry,
		Hub:            core.hub,
		Notifier:       core.notifier,
		Ticker:         core.ticker,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Retention:      cfg.Pulse.Retention(),
		Version:        version.Tag(),
	}
	if !noScheduler {
		srvCfg.Scheduler = core.scheduler
	}
	srv, err := server.New(srvCfg, log)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s loom %s listening on :%d\n", sym.Pulse, version.Tag(), port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, fmt.Sprintf(":%d", port))
	})
	if !noScheduler {
		g.Go(func() error {
			return core.scheduler.Run(gctx)
		})
		g.Go(func() error {
			return core.ticker.Run(gctx)
		})
	}
	if core.redis != nil {
		g.Go(func() error { return core.redis.Run(gctx) })
		g.Go(func() error { return core.redis.Relay(gctx, core.hub) })
	}
	if cfgPath != "" {
		g.Go(func() error {
			return watchConfig(gctx, cfgPath, cmd.Flags().Changed("config"), core)
		})
	}

	err = g.Wait()
	core.hub.Close()
	if errors.Is(err, async.ErrJoinTimeout) {
		logger.Logger.Warnw("Shutdown abandoned running jobs; they will be reconciled on next start", "error", err)
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s loom stopped\n", sym.PulseClose)
	return nil
}

// watchConfig hot-reloads the config file until ctx ends.
func watchConfig(ctx context.Context, path string, explicit bool, core *jobCore) error {
	watcher, err := am.NewConfigWatcher(path, logger.Logger)
	if err != nil {
		logger.Logger.Warnw("Config hot reload disabled", "path", path, "error", err)
		return nil
	}
	if explicit {
		watcher.UseLoader(func() (*am.Config, error) { return am.LoadFromFile(path) })
	}
	watcher.OnReload(func(cfg *am.Config) error {
		return core.applyReload(cfg, logger.Logger)
	})
	watcher.Start()
	<-ctx.Done()
	return watcher.Stop()
}
