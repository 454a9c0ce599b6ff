// Package main provides the development target server: an in-process game
// server simulator that swarms can be pointed at locally.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/config"
	"github.com/cory-johannsen/botswarm/internal/observability"
	"github.com/cory-johannsen/botswarm/internal/protocol/versions"
	"github.com/cory-johannsen/botswarm/internal/server"
	"github.com/cory-johannsen/botswarm/internal/targetsim"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	mode := flag.String("mode", "", "login mode override: accept, reject, online, silent or nospawn")
	statsEvery := flag.Duration("stats", 10*time.Second, "interval between stats log lines (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *mode != "" {
		cfg.Simulator.Mode = *mode
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid -mode: %v", err)
		}
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	sim := targetsim.New(targetsim.Config{
		Addr:                 cfg.Simulator.Addr(),
		Registry:             versions.New(),
		Mode:                 targetsim.Mode(cfg.Simulator.Mode),
		CompressionThreshold: int32(cfg.Simulator.CompressionThreshold),
		KeepAliveInterval:    cfg.Simulator.KeepAliveInterval,
		MOTD:                 cfg.Simulator.MOTD,
	}, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("simulator", &server.FuncService{
		StartFn: sim.ListenAndServe,
		StopFn:  sim.Stop,
	})
	if *statsEvery > 0 {
		lifecycle.Add("stats", server.LoopService(func(ctx context.Context) error {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					st := sim.Stats()
					logger.Info("simulator stats",
						zap.Int("open", sim.OpenConnections()),
						zap.Int("players", len(sim.Players())),
						zap.Any("stats", st),
					)
				}
			}
		}))
	}

	logger.Info("dev target server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("addr", cfg.Simulator.Addr()),
		zap.String("mode", cfg.Simulator.Mode),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
