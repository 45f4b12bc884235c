// srvrs - File-triggered GPU job dispatcher
// Turns files dropped into per-activity inboxes into script runs on free accelerators.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srvrs/srvrs/pkg/config"
	"github.com/srvrs/srvrs/pkg/logging"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "srvrs",
	Short: "srvrs - Run scripts on uploaded files with free GPUs",
	Long: `srvrs watches one inbox directory per configured activity. Every file
finished uploading there is checked, staged into a private work directory
and handed to the activity's script together with the GPUs reserved for it.
Results are delivered to the uploader by the distributor.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default /etc/srvrs/config.yaml, then ./srvrs.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// loadConfig reads every configuration layer.
func loadConfig() (*config.Config, error) {
	m := config.NewManager(configPath)
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m.Get(), nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, Format: cfg.Logging.Format})
}

// serviceGID resolves the group status and queue directories are handed to;
// -1 when it cannot be resolved.
func serviceGID(cfg *config.Config, log *logrus.Entry) int {
	id, err := cfg.ResolveIdentity()
	if err != nil {
		log.WithError(err).WithField("group", cfg.Service.Group).Warn("service group unresolved; directories keep their group")
		return -1
	}
	return id.GID
}
