package session

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/botswarm/internal/protocol"
)

// State is a session lifecycle state. States only move forward; Closed and
// Failed are terminal.
type State uint8

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
	StateFailed
)

// States lists every state in lifecycle order.
var States = []State{
	StateConnecting, StateHandshaking, StateAuthenticating, StateActive,
	StateClosing, StateClosed, StateFailed,
}

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal reports whether s is Closed or Failed.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// canTransition reports whether from -> to is a legal lifecycle step.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateFailed:
		return true
	case StateClosed:
		return from == StateClosing
	case StateClosing:
		return from == StateActive
	}
	return to == from+1
}

// Reason classifies why a session failed.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonTimeout
	ReasonProtocolError
	ReasonAuthRejected
	ReasonTransportError
	ReasonCancelled
)

// Reasons lists every failure reason.
var Reasons = []Reason{ReasonTimeout, ReasonProtocolError, ReasonAuthRejected, ReasonTransportError, ReasonCancelled}

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonAuthRejected:
		return "auth_rejected"
	case ReasonTransportError:
		return "transport_error"
	case ReasonCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Retryable reports whether a reconnect may help. Codec errors repeat
// deterministically and cancellation is deliberate.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonTimeout, ReasonTransportError, ReasonAuthRejected:
		return true
	}
	return false
}

var (
	// ErrQueueFull is returned by Enqueue when the outbound queue stayed full
	// for the whole enqueue timeout.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrClosing is returned by Enqueue once Stop has been requested.
	ErrClosing = errors.New("session closing")
	// ErrKicked wraps the server's Disconnect reason.
	ErrKicked = errors.New("disconnected by server")
	// ErrOnlineMode marks servers that demand encryption and session auth.
	ErrOnlineMode = errors.New("server requires online-mode authentication")
)

// Failure is the terminal error of a Failed session.
type Failure struct {
	Reason Reason
	Err    error
	// Op is the operation being encoded when a codec error occurred.
	Op protocol.Operation
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("session failed: %s", f.Reason)
	}
	return fmt.Sprintf("session failed: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ReasonOf extracts the failure reason from err, or ReasonNone.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ReasonNone
}
