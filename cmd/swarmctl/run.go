package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/config"
	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/observability"
	"github.com/cory-johannsen/botswarm/internal/plugin"
	"github.com/cory-johannsen/botswarm/internal/protocol/versions"
	"github.com/cory-johannsen/botswarm/internal/scripting"
	"github.com/cory-johannsen/botswarm/internal/swarm"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	flags := &swarmFlags{}
	var (
		duration time.Duration
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one swarm in this process until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.load()
			if err != nil {
				return err
			}
			values, err := flags.values(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.SwarmFromMap(base, values)
			if err != nil {
				return err
			}
			return runSwarm(cmd, cfg, duration, interval)
		},
	}
	flags.bind(cmd)
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().DurationVar(&interval, "status-interval", 5*time.Second, "how often to print status")
	return cmd
}

func runSwarm(cmd *cobra.Command, cfg config.Config, duration, interval time.Duration) error {
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	registry := versions.New()
	host := plugin.NewHost(registry, logger)
	if cfg.Plugins.Dir != "" {
		lp := scripting.NewPlugin(cfg.Plugins.Dir, cfg.Plugins.InstructionLimit, logger)
		defer lp.Close()
		if err := host.Load(lp); err != nil {
			return err
		}
	}

	swCfg, err := swarm.FromConfig(cfg)
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher(cfg.Swarm.EventBuffer, logger, events.NewLogSink(logger))
	defer dispatcher.Close()

	orch := swarm.New(registry, logger,
		swarm.WithSink(dispatcher),
		swarm.WithHandlers(host.Handlers()),
	)
	sw, err := orch.Start(swCfg)
	if err != nil {
		return err
	}
	logger.Info("swarm running",
		zap.String("swarm", sw.ID()),
		zap.String("target", swCfg.Target()),
		zap.Int("sessions", swCfg.SessionCount),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	out := cmd.OutOrStdout()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sw.Done():
			break loop
		case <-ticker.C:
			fmt.Fprintln(out, sw.Status())
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), swCfg.StopGrace+5*time.Second)
	defer cancel()
	sw.Stop(stopCtx)
	fmt.Fprintln(out, sw.Status())
	return nil
}
