package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/async"
	"github.com/teranos/loom/sym"
)

// PulseCmd groups scheduler commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run or maintain the job scheduler",
	Long: sym.Pulse + ` Pulse - job dispatch without the HTTP API.

Run extra dispatchers against a shared Postgres store, or run maintenance
by hand. Every scheduler sharing a store honors the same
max_concurrent_jobs cap.

Example:
  loom pulse start              # Dispatch jobs in the foreground
  loom pulse start --workers 5  # Override max_concurrent_jobs
  loom pulse sweep              # Retention cleanup + stale reconciliation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Dispatch jobs in the foreground until interrupted",
	RunE:  runPulseStart,
}

var pulseSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run retention cleanup and stale job reconciliation once",
	RunE:  runPulseSweep,
}

func init() {
	pulseStartCmd.Flags().Int("workers", 0, "Max concurrent jobs (default: pulse.max_concurrent_jobs)")
	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseSweepCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pulse.MaxConcurrentJobs = workers
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := buildRuntime(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer core.Close()

	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "%s Pulse started\n", sym.PulseOpen)
	fmt.Fprintf(out, "  Max concurrent jobs: %d\n", core.scheduler.MaxConcurrentJobs())
	fmt.Fprintf(out, "  Poll interval: %v\n", cfg.Pulse.PollInterval())
	fmt.Fprintf(out, "  Handlers: %v\n", core.registry.Kinds())
	fmt.Fprintf(out, "\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.scheduler.Run(gctx) })
	g.Go(func() error { return core.ticker.Run(gctx) })
	if core.redis != nil {
		g.Go(func() error { return core.redis.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, async.ErrJoinTimeout) {
		fmt.Fprintf(out, "%s Abandoned running jobs; they will be reconciled on next start\n", sym.PulseClose)
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Fprintf(out, "%s Pulse stopped\n", sym.PulseClose)
	return nil
}

func runPulseSweep(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, closeStore, err := openStore(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer closeStore()
	queue := async.NewQueue(store, async.QueueConfigFrom(cfg.Pulse), logger.Logger)

	rows := pterm.TableData{{"Task", "Jobs", "Result"}}

	if retention := cfg.Pulse.Retention(); retention > 0 {
		n, err := queue.Cleanup(ctx, retention)
		rows = append(rows, []string{"retention-cleanup", fmt.Sprint(n), resultText(err)})
	}
	if staleAfter := cfg.Pulse.StaleAfter(); staleAfter > 0 {
		n, err := queue.ReconcileStale(ctx, staleAfter)
		rows = append(rows, []string{"stale-sweep", fmt.Sprint(n), resultText(err)})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func resultText(err error) string {
	if err != nil {
		return pterm.Red(err.Error())
	}
	return pterm.Green("ok")
}
