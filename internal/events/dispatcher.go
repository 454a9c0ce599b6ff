package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBufferSize is the Dispatcher queue length used when none is given.
const DefaultBufferSize = 4096

// Dispatcher decouples event producers from slow sinks. Record never blocks:
// when the buffer is full the event is dropped and counted.
type Dispatcher struct {
	sink   Sink
	logger *zap.Logger
	ch     chan Event

	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a Dispatcher delivering to sinks from one goroutine.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a running Dispatcher; call Close to flush and stop it.
func NewDispatcher(bufferSize int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	d := &Dispatcher{
		sink:   Multi(sinks...),
		logger: logger,
		ch:     make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event sink panicked",
				zap.Stringer("type", e.Type),
				zap.Any("panic", r),
			)
		}
	}()
	d.sink.Record(e)
}

// Record enqueues e for delivery, dropping it when the buffer is full or the
// dispatcher is closed.
func (d *Dispatcher) Record(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- e:
	default:
		if d.dropped.Add(1)%1000 == 1 {
			d.logger.Warn("event buffer full, dropping events",
				zap.Uint64("dropped", d.dropped.Load()),
			)
		}
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close stops accepting events and waits until buffered events are delivered.
//
// Postcondition: Every event accepted by Record has reached the sinks.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	<-d.done
}
