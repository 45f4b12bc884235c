package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/srvrs/srvrs/pkg/config"
	"github.com/srvrs/srvrs/pkg/dispatch"
	"github.com/srvrs/srvrs/pkg/logging"
	"github.com/srvrs/srvrs/pkg/status"
	"github.com/srvrs/srvrs/pkg/tui"
)

var (
	followStatus   bool
	followInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [activity]",
	Short: "Show what each activity is doing",
	Long: `Print the status record of every activity, or of one.

Examples:
  srvrs status
  srvrs status caption --follow`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var queueCmd = &cobra.Command{
	Use:   "queue [activity]",
	Short: "List uploads waiting to be processed",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueue,
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the available activities",
	Args:  cobra.NoArgs,
	RunE:  runServices,
}

var gpusCmd = &cobra.Command{
	Use:   "gpus",
	Short: "Show accelerator occupancy and leases",
	Args:  cobra.NoArgs,
	RunE:  runGPUs,
}

func init() {
	statusCmd.Flags().BoolVarP(&followStatus, "follow", "f", false, "Keep following the status of one activity")
	statusCmd.Flags().DurationVar(&followInterval, "interval", 500*time.Millisecond, "Poll interval for --follow")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(gpusCmd)
}

// selectActivities returns the activity named in args, or all of them.
func selectActivities(cfg *config.Config, args []string) ([]string, error) {
	if len(args) == 0 {
		return cfg.ActivityNames(), nil
	}
	if _, ok := cfg.Activities[args[0]]; !ok {
		return nil, fmt.Errorf("unknown activity %q", args[0])
	}
	return args[:1], nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	names, err := selectActivities(cfg, args)
	if err != nil {
		return err
	}
	l := cfg.Layout()

	if followStatus {
		if len(names) != 1 {
			return fmt.Errorf("--follow needs an activity")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tui.Follow(ctx, cmd.OutOrStdout(), l.For(names[0]).Status, followInterval)
	}

	rows := make([]tui.StatusRow, len(names))
	for i, name := range names {
		rec, err := status.ReadStatus(l.For(name).Status)
		rows[i] = tui.StatusRow{Activity: name, Record: rec, Err: err}
	}
	tui.PrintStatus(cmd.OutOrStdout(), rows)
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	names, err := selectActivities(cfg, args)
	if err != nil {
		return err
	}
	l := cfg.Layout()

	rows := make([]tui.QueueRow, len(names))
	for i, name := range names {
		entries, err := status.ReadQueue(l.For(name).Queue)
		rows[i] = tui.QueueRow{Activity: name, Entries: entries, Err: err}
	}
	tui.PrintQueue(cmd.OutOrStdout(), rows)
	return nil
}

func runServices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tui.PrintServices(cmd.OutOrStdout(), cfg.Definitions())
	return nil
}

func runGPUs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Component(newLogger(cfg), "gpus")

	arbiter, err := dispatch.OpenArbiter(cfg, nil, nil, log)
	if err != nil {
		return err
	}
	defer arbiter.Close()

	states, err := arbiter.Snapshot(cmd.Context())
	if err != nil {
		return err
	}
	tui.PrintGPUs(cmd.OutOrStdout(), states)
	return nil
}
