package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/cmd/loom/commands"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - asynchronous generation jobs for the canvas",
	Long: `loom - durable queue and dispatcher for long-running AI generation jobs.

Available commands:
  server - Run the HTTP API, progress stream and job scheduler
  pulse  - Run or maintain the job scheduler without the HTTP API
  jobs   - Submit and inspect jobs directly against the store
  am     - Show or initialize configuration ("I am")

Examples:
  loom server                       # API on :8770 plus scheduler
  loom jobs submit --owner u1 --kind canvas.text --payload '{"prompt":"a tree"}'
  loom jobs ls --status failed      # List failed jobs
  loom pulse sweep                  # Run retention and stale reconciliation once`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		// Long-running processes log JSON for collectors
		jsonOutput := cmd.Name() == "server" || (cmd.Name() == "start" && cmd.Parent() != nil && cmd.Parent().Name() == "pulse")
		level := logger.VerbosityToLevel(verbosity)
		if jsonOutput && verbosity == 0 {
			level = logger.VerbosityToLevel(logger.VerbosityInfo)
		}
		if err := logger.Initialize(jsonOutput, level); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: standard am.toml locations)")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
