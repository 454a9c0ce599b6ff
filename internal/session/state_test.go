package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, canTransition(StateConnecting, StateHandshaking))
	assert.True(t, canTransition(StateAuthenticating, StateActive))
	assert.True(t, canTransition(StateActive, StateClosing))
	assert.True(t, canTransition(StateClosing, StateClosed))
	assert.True(t, canTransition(StateConnecting, StateFailed))

	assert.False(t, canTransition(StateConnecting, StateActive))
	assert.False(t, canTransition(StateActive, StateClosed))
	assert.False(t, canTransition(StateActive, StateHandshaking))
	assert.False(t, canTransition(StateClosed, StateFailed))
	assert.False(t, canTransition(StateFailed, StateConnecting))
}

func TestStateMachine_MonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		state := StateConnecting
		steps := rapid.SliceOfN(rapid.SampledFrom(States), 0, 20).Draw(t, "steps")
		for _, next := range steps {
			if !canTransition(state, next) {
				continue
			}
			if next <= state && next != StateFailed {
				t.Fatalf("%s -> %s moves backwards", state, next)
			}
			state = next
		}
		if state.Terminal() {
			for _, next := range States {
				if canTransition(state, next) {
					t.Fatalf("terminal %s allows %s", state, next)
				}
			}
		}
	})
}

func TestReason_Retryable(t *testing.T) {
	assert.True(t, ReasonTimeout.Retryable())
	assert.True(t, ReasonTransportError.Retryable())
	assert.True(t, ReasonAuthRejected.Retryable())
	assert.False(t, ReasonProtocolError.Retryable())
	assert.False(t, ReasonCancelled.Retryable())
}

func TestFailure_Unwrap(t *testing.T) {
	f := &Failure{Reason: ReasonTransportError, Err: ErrKicked}
	assert.ErrorIs(t, f, ErrKicked)
	assert.Equal(t, ReasonTransportError, ReasonOf(f))
	assert.Equal(t, ReasonNone, ReasonOf(ErrKicked))
	assert.Contains(t, f.Error(), "transport_error")
}
