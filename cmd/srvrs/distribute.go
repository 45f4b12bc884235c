package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/srvrs/srvrs/pkg/defaults/alerting"
	metricsdefaults "github.com/srvrs/srvrs/pkg/defaults/metrics"
	"github.com/srvrs/srvrs/pkg/distributor"
	"github.com/srvrs/srvrs/pkg/lifecycle"
	"github.com/srvrs/srvrs/pkg/logging"
)

var (
	distributeDest string
	distributeOnce bool
)

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Move finished work to its owners",
	Long: `Watch the hand-off directory of every activity and move each delivered
job to <destination>/<owner>/srvrs_<activity>_<unix time>, or upload it to S3
when distributor.s3.bucket is configured.

Examples:
  srvrs distribute
  srvrs distribute --dest /scratch --once`,
	Args: cobra.NoArgs,
	RunE: runDistribute,
}

func init() {
	distributeCmd.Flags().StringVar(&distributeDest, "dest", "", "Destination base directory (overrides distributor.destination)")
	distributeCmd.Flags().BoolVar(&distributeOnce, "once", false, "Move what is waiting and exit")
	rootCmd.AddCommand(distributeCmd)
}

func runDistribute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	log := logging.Component(logger, "distributor")
	ctx := cmd.Context()

	var mover distributor.Mover
	if s3cfg := cfg.Distributor.S3; s3cfg.Bucket != "" {
		m, err := distributor.NewS3Mover(ctx, distributor.S3Config{
			Region:       s3cfg.Region,
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			Endpoint:     s3cfg.Endpoint,
			UsePathStyle: s3cfg.PathStyle,
		})
		if err != nil {
			return err
		}
		mover = m
	} else {
		dest := cfg.Distributor.Destination
		if distributeDest != "" {
			dest = distributeDest
		}
		mover = distributor.NewLocalMover(dest)
	}

	metrics := metricsdefaults.NewLogMetrics(metricsdefaults.WithLogger(logging.Component(logger, "metrics")))
	d := distributor.New(cfg.Layout(), cfg.ActivityNames(), mover,
		distributor.WithLogger(log),
		distributor.WithMetrics(metrics),
		distributor.WithAlerter(alerting.NewLogAlerter(
			alerting.WithLogger(logging.Component(logger, "alerts")),
			alerting.WithRepeatInterval(10*time.Minute),
		)),
	)

	if distributeOnce {
		defer metrics.Close()
		n := d.Sweep(ctx)
		log.WithField("moved", n).Info("sweep finished")
		return nil
	}

	sm := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: log})
	sm.RegisterCloser("metrics", metrics)
	return sm.Run(ctx, func(ctx context.Context) error {
		if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
