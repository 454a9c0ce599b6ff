// Package swarm creates, paces, tracks and tears down swarms of bot sessions
// against one target server.
package swarm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/session"
)

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithSink sends every session event to sink. A sink exposing
// Dropped() uint64 (such as *events.Dispatcher) feeds State.Dropped.
func WithSink(sink events.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithHandlers installs operation handlers on every session.
func WithHandlers(h session.Handlers) Option {
	return func(o *Orchestrator) { o.handlers = h }
}

// WithClock replaces the wall clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// Orchestrator starts and tracks swarms. Methods are safe for concurrent use.
type Orchestrator struct {
	registry *protocol.Registry
	sink     events.Sink
	handlers session.Handlers
	clock    clock.Clock
	logger   *zap.Logger

	mu     sync.Mutex
	swarms map[string]*Swarm
}

// New creates an Orchestrator resolving versions through registry.
//
// Precondition: registry and logger must be non-nil.
// Postcondition: Returns an Orchestrator with no swarms.
func New(registry *protocol.Registry, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		sink:     events.Nop,
		clock:    clock.New(),
		logger:   logger,
		swarms:   make(map[string]*Swarm),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start validates cfg and launches a swarm. It returns immediately; sessions
// are created in the background at cfg.ConnectRatePerSecond.
//
// Postcondition: Returns the running Swarm, a *ConfigError, or an error
// wrapping protocol.ErrUnsupportedVersion. No session exists on error.
func (o *Orchestrator) Start(cfg Config) (*Swarm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version, factory, err := o.registry.Resolve(cfg.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("starting swarm: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.ProtocolVersion = version.ID

	timeout := cfg.PerSessionTimeout
	if timeout == 0 {
		timeout = session.DefaultTimeout
	}
	proxies, err := newProxyPool(cfg.Proxies, cfg.AccountsPerProxy, timeout)
	if err != nil {
		return nil, &ConfigError{Problems: []string{err.Error()}}
	}

	capacity := cfg.SessionCount
	if c := proxies.capacity(); c >= 0 && c < capacity {
		capacity = c
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	createCtx, createCancel := context.WithCancel(ctx)
	sw := &Swarm{
		id:           id,
		cfg:          cfg,
		version:      version,
		factory:      factory,
		handlers:     o.handlers,
		clock:        o.clock,
		logger:       o.logger.With(zap.String("swarm", id)),
		limiter:      rate.NewLimiter(rate.Limit(cfg.ConnectRatePerSecond), 1),
		proxies:      proxies,
		startedAt:    o.clock.Now(),
		ctx:          ctx,
		cancel:       cancel,
		createCtx:    createCtx,
		createCancel: createCancel,
		done:         make(chan struct{}),
		capacity:     capacity,
		failures:     make(map[session.Reason]int),
	}
	sw.sink = events.Multi(o.sink, events.SinkFunc(sw.observe))
	if d, ok := o.sink.(interface{ Dropped() uint64 }); ok {
		sw.dropped = d.Dropped
	}

	o.mu.Lock()
	o.swarms[id] = sw
	o.mu.Unlock()

	sw.logger.Info("swarm starting",
		zap.String("target", cfg.Target()),
		zap.String("version", version.ID),
		zap.Int("sessions", cfg.SessionCount),
		zap.Int("capacity", capacity),
		zap.Float64("rate", cfg.ConnectRatePerSecond),
		zap.String("reconnect", string(cfg.Reconnect.Policy)),
	)
	sw.start()
	return sw, nil
}

// Stop stops sw; see Swarm.Stop.
func (o *Orchestrator) Stop(ctx context.Context, sw *Swarm) {
	sw.Stop(ctx)
}

// Status returns a snapshot of sw.
func (o *Orchestrator) Status(sw *Swarm) State {
	return sw.Status()
}

// Get returns the swarm with the given ID.
func (o *Orchestrator) Get(id string) (*Swarm, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sw, ok := o.swarms[id]
	return sw, ok
}

// List returns every tracked swarm, oldest first.
func (o *Orchestrator) List() []*Swarm {
	o.mu.Lock()
	out := make([]*Swarm, 0, len(o.swarms))
	for _, sw := range o.swarms {
		out = append(out, sw)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id < out[j].id
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// Remove forgets a finished swarm.
//
// Postcondition: Returns an error if id is unknown or the swarm is still running.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	sw, ok := o.swarms[id]
	if !ok {
		return fmt.Errorf("swarm %s not found", id)
	}
	select {
	case <-sw.done:
	default:
		return fmt.Errorf("swarm %s is still running", id)
	}
	delete(o.swarms, id)
	return nil
}

// StopAll stops every tracked swarm concurrently.
func (o *Orchestrator) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sw := range o.List() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sw.Stop(ctx)
		}()
	}
	wg.Wait()
}
