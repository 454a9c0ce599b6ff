package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/protocol"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	return m, reg
}

func lifecycle(m *Metrics, final, reason string) {
	steps := []string{"", "connecting", "handshaking", "authenticating", "active", final}
	for i := 1; i < len(steps); i++ {
		e := events.Event{Type: events.TypeStateChanged, From: steps[i-1], To: steps[i]}
		if i == len(steps)-1 {
			e.Reason = reason
		}
		m.Record(e)
	}
}

func TestMetrics_SessionGaugesFollowTransitions(t *testing.T) {
	m, _ := newTestMetrics(t)

	lifecycle(m, "failed", "timeout")
	m.Record(events.Event{Type: events.TypeStateChanged, To: "connecting"})
	m.Record(events.Event{Type: events.TypeStateChanged, From: "connecting", To: "handshaking"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("handshaking")))
	assert.Zero(t, testutil.ToFloat64(m.sessions.WithLabelValues("connecting")))
	assert.Zero(t, testutil.ToFloat64(m.sessions.WithLabelValues("active")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("connecting", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("failed", "timeout")))
}

func TestMetrics_OperationsAndErrors(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.Record(events.Event{Type: events.TypeOperationSent, Kind: protocol.KindChat})
	m.Record(events.Event{Type: events.TypeOperationSent, Kind: protocol.KindChat})
	m.Record(events.Event{Type: events.TypeOperationReceived, Kind: protocol.KindKeepAlive})
	m.Record(events.Event{Type: events.TypeError, Reason: "auth_rejected"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("sent", "chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("received", "keep_alive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("auth_rejected")))
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestMetrics_HandlerExposesDropped(t *testing.T) {
	m, reg := newTestMetrics(t)
	require.NoError(t, m.ObserveDropped(func() uint64 { return 7 }))
	m.Record(events.Event{Type: events.TypeStateChanged, To: "connecting"})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "botswarm_events_dropped_total 7")
	assert.Contains(t, body.String(), `botswarm_sessions{state="connecting"} 1`)
}
