package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/am"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show or initialize loom configuration",
	Long: sym.AM + ` am - loom configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/loom/am.toml)
3. User config (~/.loom/am.toml)
4. Project config (./am.toml)
5. Environment variables (LOOM_* prefix, e.g. LOOM_PULSE_MAX_CONCURRENT_JOBS)

Examples:
  loom am show                 # Effective configuration (secrets redacted)
  loom am show --format json
  loom am init                 # Write a starter ./am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file (default ./am.toml)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml, json")
	amInitCmd.Flags().Bool("force", false, "Overwrite an existing file (previous versions kept as .back1-3)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "toml":
		data, err := am.Render(cfg)
		if err != nil {
			return err
		}
		if path != "" {
			fmt.Fprintf(out, "# loom configuration (from %s)\n", path)
		} else {
			fmt.Fprintln(out, "# loom configuration (defaults and environment)")
		}
		_, err = out.Write(data)
		return err

	case "json":
		redacted := *cfg
		if redacted.Generation.APIKey != "" {
			redacted.Generation.APIKey = "********"
		}
		data, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))
		return nil

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json)", format)
	}
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := "am.toml"
	if len(args) == 1 {
		path = args[0]
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return errors.WithHint(errors.Newf("%s already exists", path), "use --force to overwrite it")
	}

	if err := am.WriteConfig(path, am.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", sym.AM, path)
	return nil
}
