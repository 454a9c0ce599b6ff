// Package plugin is the extension point through which plugins add protocol
// versions and operation handlers before any swarm starts.
package plugin

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/session"
)

// Registrar is what a plugin may register into.
type Registrar interface {
	// RegisterCodec makes a protocol version available to swarms.
	RegisterCodec(version protocol.Version, factory protocol.Factory, aliases ...string) error
	// RegisterOperationHandler runs h for every operation of kind received by
	// an active session.
	RegisterOperationHandler(kind protocol.Kind, h session.Handler) error
}

// Plugin is invoked once at startup.
type Plugin interface {
	Name() string
	Register(r Registrar) error
}

// Host collects plugin registrations. It implements Registrar.
type Host struct {
	registry *protocol.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	handlers session.Handlers
	loaded   []string
	current  string
}

// NewHost returns a Host registering codecs into registry.
//
// Precondition: registry and logger must be non-nil.
// Postcondition: Returns a Host with no handlers.
func NewHost(registry *protocol.Registry, logger *zap.Logger) *Host {
	return &Host{
		registry: registry,
		logger:   logger,
		handlers: make(session.Handlers),
	}
}

// RegisterCodec adds a protocol version to the registry.
func (h *Host) RegisterCodec(version protocol.Version, factory protocol.Factory, aliases ...string) error {
	if err := h.registry.Register(version, factory, aliases...); err != nil {
		return fmt.Errorf("registering codec: %w", err)
	}
	h.logger.Info("plugin registered codec",
		zap.String("plugin", h.plugin()),
		zap.String("version", version.ID),
		zap.Int32("protocol", version.Protocol),
	)
	return nil
}

// RegisterOperationHandler appends handler for kind. Handlers of one kind run
// in registration order.
func (h *Host) RegisterOperationHandler(kind protocol.Kind, handler session.Handler) error {
	if handler == nil {
		return errors.New("handler must not be nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], handler)
	h.logger.Debug("plugin registered handler",
		zap.String("plugin", h.current),
		zap.Stringer("kind", kind),
	)
	return nil
}

func (h *Host) plugin() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Load invokes Register on each plugin in order.
//
// Postcondition: Returns the first registration error, or an error if two
// plugins share a name. Plugins loaded before the failure stay registered.
func (h *Host) Load(plugins ...Plugin) error {
	for _, p := range plugins {
		name := p.Name()
		h.mu.Lock()
		for _, n := range h.loaded {
			if n == name {
				h.mu.Unlock()
				return fmt.Errorf("plugin %s already loaded", name)
			}
		}
		h.current = name
		h.mu.Unlock()

		err := p.Register(h)

		h.mu.Lock()
		h.current = ""
		if err == nil {
			h.loaded = append(h.loaded, name)
		}
		h.mu.Unlock()
		if err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
		h.logger.Info("plugin loaded", zap.String("plugin", name))
	}
	return nil
}

// Handlers returns a copy of the registered handlers for session configs.
func (h *Host) Handlers() session.Handlers {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(session.Handlers, len(h.handlers))
	for k, hs := range h.handlers {
		out[k] = append([]session.Handler(nil), hs...)
	}
	return out
}

// Loaded lists the names of successfully loaded plugins in load order.
func (h *Host) Loaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.loaded...)
}

// Func adapts a function to Plugin.
type Func struct {
	PluginName string
	Fn         func(r Registrar) error
}

func (f Func) Name() string               { return f.PluginName }
func (f Func) Register(r Registrar) error { return f.Fn(r) }
