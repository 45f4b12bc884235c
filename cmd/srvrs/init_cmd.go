package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srvrs/srvrs/pkg/config"
	"github.com/srvrs/srvrs/pkg/layout"
	"github.com/srvrs/srvrs/pkg/logging"
)

var writeConfig string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the directory layout",
	Long: `Create the base directory layout for every configured activity:
scripts, work and distributor are private to the service, status and queue
are readable by the service group, and every inbox is world-writable with
the sticky bit set.

Examples:
  srvrs init
  srvrs init --write-config ./srvrs.yaml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&writeConfig, "write-config", "", "Also write the effective configuration to this path")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	m := config.NewManager(configPath)
	if err := m.Load(); err != nil {
		return err
	}
	cfg := m.Get()
	log := logging.Component(newLogger(cfg), "init")

	l := cfg.Layout()
	if err := layout.Bootstrap(l, cfg.ActivityNames(), serviceGID(cfg, log), log); err != nil {
		return err
	}
	for _, name := range cfg.ActivityNames() {
		p := l.For(name)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: upload to %s, script %s\n", name, p.Watch, cfg.Activities[name].Script)
	}

	if writeConfig != "" {
		if err := m.Save(writeConfig); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", writeConfig)
	}
	return nil
}
