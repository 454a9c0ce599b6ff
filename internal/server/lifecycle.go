// Package server runs the daemon's long-lived services and shuts them down in
// reverse order on SIGINT/SIGTERM, context cancellation, or the first service
// failure.
package server

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long shutdown waits for one service's Stop.
const DefaultStopTimeout = 15 * time.Second

// Service is a long-running component. Start blocks until the service stops
// or fails; Stop makes Start return.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

func (f *FuncService) Start() error { return f.StartFn() }
func (f *FuncService) Stop()        { f.StopFn() }

// loopService runs fn until Stop cancels its context.
type loopService struct {
	fn     func(ctx context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
}

// LoopService adapts a context-driven loop into a Service. A nil return or
// context.Canceled after Stop counts as a clean exit.
func LoopService(fn func(ctx context.Context) error) Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &loopService{fn: fn, ctx: ctx, cancel: cancel}
}

func (s *loopService) Start() error {
	err := s.fn(s.ctx)
	if s.ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *loopService) Stop() { s.cancel() }

// Lifecycle starts services concurrently and stops them in reverse order of
// registration.
type Lifecycle struct {
	logger      *zap.Logger
	stopTimeout time.Duration

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle with DefaultStopTimeout.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger, stopTimeout: DefaultStopTimeout}
}

// SetStopTimeout overrides the per-service stop bound. Non-positive values
// are ignored.
func (l *Lifecycle) SetStopTimeout(d time.Duration) {
	if d > 0 {
		l.stopTimeout = d
	}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil; Run has not been called.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts all services and blocks until a termination signal, ctx
// cancellation, or a service failure, then stops every service.
//
// Postcondition: All services have been asked to stop. Returns the failure
// that triggered shutdown, or nil for a signal or cancellation. A service
// whose Start returns nil on its own is treated as finished.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go func() {
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("shutdown requested", zap.Error(context.Cause(ctx)))
	}

	l.shutdown(services)

	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))

		done := make(chan struct{})
		go func() {
			defer close(done)
			ns.service.Stop()
		}()
		select {
		case <-done:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		case <-time.After(l.stopTimeout):
			l.logger.Warn("service did not stop in time",
				zap.String("service", ns.name),
				zap.Duration("timeout", l.stopTimeout),
			)
		}
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
}
