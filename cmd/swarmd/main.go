// Package main provides the swarm daemon: it hosts the orchestrator behind the
// gRPC control API and exports Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/botswarm/internal/config"
	"github.com/cory-johannsen/botswarm/internal/control"
	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/observability"
	"github.com/cory-johannsen/botswarm/internal/plugin"
	"github.com/cory-johannsen/botswarm/internal/protocol/versions"
	"github.com/cory-johannsen/botswarm/internal/scripting"
	"github.com/cory-johannsen/botswarm/internal/server"
	"github.com/cory-johannsen/botswarm/internal/storage/postgres"
	"github.com/cory-johannsen/botswarm/internal/swarm"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting swarm daemon",
		zap.String("control_addr", cfg.Control.Addr()),
		zap.String("default_target", cfg.Target.Addr()),
	)

	// Protocol versions and plugins
	registry := versions.New()
	host := plugin.NewHost(registry, logger)
	var plugins []plugin.Plugin
	if cfg.Plugins.Dir != "" {
		lp := scripting.NewPlugin(cfg.Plugins.Dir, cfg.Plugins.InstructionLimit, logger)
		defer lp.Close()
		plugins = append(plugins, lp)
	}
	if err := host.Load(plugins...); err != nil {
		logger.Fatal("loading plugins", zap.Error(err))
	}
	ids := make([]string, 0)
	for _, v := range registry.Versions() {
		ids = append(ids, v.ID)
	}
	logger.Info("protocol versions registered",
		zap.Strings("versions", ids),
		zap.Strings("plugins", host.Loaded()),
	)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.SetStopTimeout(cfg.Swarm.StopGrace + 10*time.Second)

	// Event sinks
	sinks := []events.Sink{events.NewLogSink(logger)}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(promReg)
	if err != nil {
		logger.Fatal("registering metrics", zap.Error(err))
	}
	sinks = append(sinks, metrics)

	if cfg.Database.Enabled {
		dbStart := time.Now()
		if err := postgres.MigrateUp(cfg.Database.DSN()); err != nil {
			logger.Fatal("applying migrations", zap.Error(err))
		}
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Name),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		eventSink := postgres.NewEventSink(
			postgres.NewEventRepository(pool.DB()),
			cfg.Database.BatchSize,
			cfg.Database.FlushInterval,
			clock.New(),
			logger,
		)
		sinks = append(sinks, eventSink)

		health := server.LoopService(func(ctx context.Context) error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			}
		})
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: health.Start,
			StopFn: func() {
				health.Stop()
				eventSink.Close()
				pool.Close()
			},
		})
	}

	dispatcher := events.NewDispatcher(cfg.Swarm.EventBuffer, logger, sinks...)
	if err := metrics.ObserveDropped(dispatcher.Dropped); err != nil {
		logger.Fatal("registering dropped events metric", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, observability.Handler(promReg))
		httpServer := &http.Server{
			Addr:              cfg.Metrics.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		lifecycle.Add("metrics", &server.FuncService{
			StartFn: func() error {
				logger.Info("metrics endpoint listening",
					zap.String("addr", cfg.Metrics.Addr()),
					zap.String("path", cfg.Metrics.Path),
				)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			StopFn: func() {
				shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			},
		})
	}

	orch := swarm.New(registry, logger,
		swarm.WithSink(dispatcher),
		swarm.WithHandlers(host.Handlers()),
	)

	// Swarms are stopped after the control API so no new ones start
	// during shutdown; the dispatcher drains before the event store closes.
	swarmsDone := make(chan struct{})
	lifecycle.Add("swarms", &server.FuncService{
		StartFn: func() error {
			<-swarmsDone
			return nil
		},
		StopFn: func() {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.Swarm.StopGrace+5*time.Second)
			defer cancel()
			orch.StopAll(stopCtx)
			dispatcher.Close()
			close(swarmsDone)
		},
	})

	grpcServer := grpc.NewServer()
	control.RegisterSwarmControlServer(grpcServer, control.NewServer(orch, cfg, logger))

	lifecycle.Add("grpc", &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", cfg.Control.Addr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.Control.Addr(), err)
			}
			logger.Info("control api listening", zap.String("addr", lis.Addr().String()))
			return grpcServer.Serve(lis)
		},
		StopFn: func() {
			grpcServer.GracefulStop()
		},
	})

	logger.Info("swarm daemon initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Bool("event_store", cfg.Database.Enabled),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("daemon error", zap.Error(err))
	}
}
