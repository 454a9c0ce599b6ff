// Package events carries session lifecycle and traffic events from sessions
// to pluggable sinks.
package events

import (
	"fmt"
	"time"

	"github.com/cory-johannsen/botswarm/internal/protocol"
)

// Type classifies an Event.
type Type uint8

const (
	TypeStateChanged Type = iota + 1
	TypeOperationSent
	TypeOperationReceived
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeStateChanged:
		return "state_changed"
	case TypeOperationSent:
		return "operation_sent"
	case TypeOperationReceived:
		return "operation_received"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Event is one observation about one session. Which fields are set depends
// on Type: From/To/Reason for state changes, Kind for operations, Reason and
// Message for errors.
type Event struct {
	Type      Type
	Time      time.Time
	SwarmID   string
	SessionID string
	Slot      int
	Attempt   int
	Bot       string

	From   string
	To     string
	Reason string

	Kind    protocol.Kind
	Message string
}

// Sink receives events. Record must not block for long and must be safe for
// concurrent use.
type Sink interface {
	Record(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Record calls f(e).
func (f SinkFunc) Record(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

type multi []Sink

func (m multi) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
