package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/pulse/async"
	"github.com/teranos/loom/sym"
)

// JobsCmd manages jobs directly against the configured store
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Submit and inspect generation jobs",
	Long: sym.Pulse + ` Submit and inspect generation jobs.

These commands talk to the configured store directly, so they work with or
without a running server. Jobs submitted here are picked up by any
scheduler sharing the store.

Examples:
  loom jobs submit --owner u1 --kind canvas.text --payload '{"prompt":"a tree"}'
  loom jobs submit --file job.toml
  loom jobs ls --owner u1 --status processing
  loom jobs show <id>
  loom jobs cancel <id> --owner u1
  loom jobs retry <id>
  loom jobs cleanup --days 7
  loom jobs stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a new job",
	RunE:  runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs, newest first",
	RunE:    runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or processing job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed job with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than --days",
	RunE:  runJobsCleanup,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts and success rate",
	RunE:  runJobsStats,
}

func init() {
	jobsSubmitCmd.Flags().String("owner", "", "Owner id")
	jobsSubmitCmd.Flags().String("kind", "", "Job kind (e.g. canvas.text)")
	jobsSubmitCmd.Flags().String("payload", "{}", "JSON payload")
	jobsSubmitCmd.Flags().Int("priority", 0, "Priority (higher runs first)")
	jobsSubmitCmd.Flags().Int("max-retries", -1, "Retry budget (default: pulse.max_retries)")
	jobsSubmitCmd.Flags().StringP("file", "f", "", "TOML job file; flags override its fields")

	jobsListCmd.Flags().String("owner", "", "Filter by owner")
	jobsListCmd.Flags().String("status", "", "Filter by status")
	jobsListCmd.Flags().String("kind", "", "Filter by job kind")
	jobsListCmd.Flags().Int("limit", 20, "Maximum jobs to show")

	jobsCancelCmd.Flags().String("owner", "", "Only cancel if owned by this owner")
	jobsRetryCmd.Flags().String("owner", "", "Only retry if owned by this owner")
	jobsCleanupCmd.Flags().Int("days", 0, "Age in days (default: pulse.retention_days)")

	JobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsShowCmd, jobsCancelCmd,
		jobsRetryCmd, jobsCleanupCmd, jobsStatsCmd)
}

// withQueue opens the store for one command.
func withQueue(cmd *cobra.Command, fn func(q *async.Queue) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cmd.Context(), cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(async.NewQueue(store, async.QueueConfigFrom(cfg.Pulse), logger.Logger))
}

// jobFile is the on-disk form accepted by `jobs submit --file`:
//
//	owner_id = "u1"
//	job_kind = "canvas.text"
//	priority = 5
//
//	[payload]
//	prompt = "a quiet oak forest"
type jobFile struct {
	OwnerID    string                 `toml:"owner_id"`
	Kind       string                 `toml:"job_kind"`
	Priority   int                    `toml:"priority"`
	MaxRetries *int                   `toml:"max_retries"`
	Payload    map[string]interface{} `toml:"payload"`
}

func decodeJobFile(r io.Reader) (async.SubmitRequest, error) {
	var f jobFile
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return async.SubmitRequest{}, errors.Wrap(err, "failed to parse job file")
	}
	req := async.SubmitRequest{
		OwnerID:    f.OwnerID,
		Kind:       f.Kind,
		Priority:   f.Priority,
		MaxRetries: f.MaxRetries,
	}
	if f.Payload != nil {
		payload, err := json.Marshal(f.Payload)
		if err != nil {
			return req, errors.Wrap(err, "failed to encode job payload")
		}
		req.Payload = payload
	}
	return req, nil
}

func submitRequestFromFlags(cmd *cobra.Command) (async.SubmitRequest, error) {
	var req async.SubmitRequest
	flags := cmd.Flags()

	if path, _ := flags.GetString("file"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return req, errors.Wrapf(err, "failed to open job file %s", path)
		}
		defer f.Close()
		if req, err = decodeJobFile(f); err != nil {
			return req, errors.WithDetailf(err, "File: %s", path)
		}
	}

	if flags.Changed("owner") || req.OwnerID == "" {
		req.OwnerID, _ = flags.GetString("owner")
	}
	if flags.Changed("kind") || req.Kind == "" {
		req.Kind, _ = flags.GetString("kind")
	}
	if flags.Changed("payload") || len(req.Payload) == 0 {
		raw, _ := flags.GetString("payload")
		req.Payload = json.RawMessage(raw)
	}
	if flags.Changed("priority") {
		req.Priority, _ = flags.GetInt("priority")
	}
	if flags.Changed("max-retries") {
		n, _ := flags.GetInt("max-retries")
		req.MaxRetries = &n
	}
	return req, nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req, err := submitRequestFromFlags(cmd)
	if err != nil {
		return err
	}
	return withQueue(cmd, func(q *async.Queue) error {
		job, err := q.Submit(cmd.Context(), req)
		if err != nil {
			return err
		}
		pterm.Printf("%s Queued %s (%s, priority %d, max retries %d)\n",
			sym.ForStatus(job.Status.String()), pterm.LightCyan(job.ID), job.Kind, job.Priority, job.MaxRetries)
		return nil
	})
}

func runJobsList(cmd *cobra.Command, args []string) error {
	filter := async.ListFilter{}
	filter.OwnerID, _ = cmd.Flags().GetString("owner")
	filter.Kind, _ = cmd.Flags().GetString("kind")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	if raw, _ := cmd.Flags().GetString("status"); raw != "" {
		status, err := async.ParseJobStatus(raw)
		if err != nil {
			return err
		}
		filter.Status = status
	}

	return withQueue(cmd, func(q *async.Queue) error {
		jobs, err := q.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			pterm.Info.Println("No jobs")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(jobTable(jobs, time.Now())).Render()
	})
}

func jobTable(jobs []*async.Job, now time.Time) pterm.TableData {
	rows := pterm.TableData{{"ID", "Status", "Kind", "Owner", "Priority", "Retries", "Age", "Error"}}
	for _, job := range jobs {
		status := job.Status.String()
		rows = append(rows, []string{
			shortJobID(job.ID),
			sym.ForStatus(status) + " " + status,
			job.Kind,
			job.OwnerID,
			fmt.Sprint(job.Priority),
			fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
			now.Sub(job.CreatedAt).Truncate(time.Second).String(),
			truncateText(job.ErrorMessage, 40),
		})
	}
	return rows
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(q *async.Queue) error {
		job, err := q.Get(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode job")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	return withQueue(cmd, func(q *async.Queue) error {
		ok, err := q.Cancel(cmd.Context(), args[0], owner)
		if err != nil {
			return err
		}
		if !ok {
			return refused(cmd, q, args[0], owner, "cancelled")
		}
		pterm.Printf("%s Cancelled %s\n", sym.ForStatus("cancelled"), args[0])
		return nil
	})
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	return withQueue(cmd, func(q *async.Queue) error {
		ok, err := q.Retry(cmd.Context(), args[0], owner)
		if err != nil {
			return err
		}
		if !ok {
			return refused(cmd, q, args[0], owner, "retried")
		}
		pterm.Printf("%s Requeued %s\n", sym.ForStatus("queued"), args[0])
		return nil
	})
}

// refused explains why a transition did not apply
func refused(cmd *cobra.Command, q *async.Queue, id, owner, verb string) error {
	job, err := q.Get(cmd.Context(), id, owner)
	if err != nil {
		return err
	}
	return errors.Newf("job %s cannot be %s while %s", id, verb, job.Status)
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("days") {
		days = cfg.Pulse.RetentionDays
	}

	return withQueue(cmd, func(q *async.Queue) error {
		n, err := q.CleanupRetention(cmd.Context(), days)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Deleted %d finished jobs older than %d days", n, days)
		return nil
	})
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(q *async.Queue) error {
		stats, err := q.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		return pterm.DefaultTable.WithHasHeader().WithData(statsTable(stats)).Render()
	})
}

func statsTable(stats *async.Stats) pterm.TableData {
	rows := pterm.TableData{{"Status", "Jobs"}}
	for _, status := range async.AllStatuses {
		rows = append(rows, []string{
			sym.ForStatus(status.String()) + " " + status.String(),
			fmt.Sprint(stats.ByStatus[status]),
		})
	}
	rows = append(rows,
		[]string{"total", fmt.Sprint(stats.Total)},
		[]string{"success rate", fmt.Sprintf("%.1f%%", stats.SuccessRate*100)},
	)
	return rows
}

func shortJobID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
