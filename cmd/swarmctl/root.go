package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/botswarm/internal/config"
)

type rootOptions struct {
	configPath string
	addr       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "swarmctl",
		Short:         "Run and control bot swarms against a game server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (defaults and BOTSWARM_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "swarmd control address (defaults to control.host:control.port)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newRemoveCmd(opts),
		newChatCmd(opts),
		newPingCmd(opts),
		newVersionsCmd(),
	)
	return rootCmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) controlAddr() (string, error) {
	if o.addr != "" {
		return o.addr, nil
	}
	cfg, err := o.load()
	if err != nil {
		return "", err
	}
	return cfg.Control.Addr(), nil
}
