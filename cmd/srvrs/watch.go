package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/srvrs/srvrs/pkg/defaults/alerting"
	metricsdefaults "github.com/srvrs/srvrs/pkg/defaults/metrics"
	"github.com/srvrs/srvrs/pkg/dispatch"
	"github.com/srvrs/srvrs/pkg/layout"
	"github.com/srvrs/srvrs/pkg/lifecycle"
	"github.com/srvrs/srvrs/pkg/logging"
	"github.com/srvrs/srvrs/pkg/telemetry"
)

var drainTimeout time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run every configured activity",
	Long: `Create the directory layout if needed and run one lane per activity
until SIGINT or SIGTERM.

Examples:
  srvrs watch
  srvrs watch --config /etc/srvrs/config.yaml -v`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "How long running scripts may take to stop after a signal")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	log := logging.Component(logger, "srvrs")

	if err := layout.Bootstrap(cfg.Layout(), cfg.ActivityNames(), serviceGID(cfg, log), log); err != nil {
		return err
	}

	ctx := cmd.Context()
	tracing := telemetry.Disabled()
	if cfg.Telemetry.Enabled {
		p, err := telemetry.Setup(ctx, telemetry.Options{
			Endpoint:      cfg.Telemetry.Endpoint,
			ServiceName:   cfg.Telemetry.ServiceName,
			Version:       version,
			Insecure:      cfg.Telemetry.Insecure,
			SamplingRatio: cfg.Telemetry.SamplingRatio,
			Activities:    cfg.ActivityNames(),
		})
		if err != nil {
			log.WithError(err).Warn("tracing disabled")
		} else {
			tracing = p
			log.WithField("endpoint", cfg.Telemetry.Endpoint).Info("tracing enabled")
		}
	}

	metrics := metricsdefaults.NewLogMetrics(metricsdefaults.WithLogger(logging.Component(logger, "metrics")))

	d, err := dispatch.Build(cfg,
		dispatch.WithLogger(log),
		dispatch.WithMetrics(metrics),
		dispatch.WithAlerter(alerting.NewLogAlerter(alerting.WithLogger(logging.Component(logger, "alerts")))),
	)
	if err != nil {
		metrics.Close()
		_ = tracing.Close()
		return err
	}

	sm := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{
		DrainTimeout: drainTimeout,
		Logger:       log,
	})
	sm.RegisterCloser("metrics", metrics)
	sm.RegisterCloser("telemetry", tracing)
	sm.RegisterCloser("dispatcher", d)

	return sm.Run(ctx, d.Run)
}
