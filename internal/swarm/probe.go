package swarm

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/transport"
)

// ProbeResult is the outcome of a status ping.
type ProbeResult struct {
	Version protocol.Version
	// JSON is the server's status document.
	JSON string
	// Latency is the round trip of the status ping.
	Latency time.Duration
}

// Probe performs a status ping against host:port using the given version's
// codec, without logging in.
//
// Precondition: registry and d must be non-nil.
// Postcondition: Returns the status document and round trip, or an error.
func Probe(ctx context.Context, registry *protocol.Registry, d transport.Dialer, host string, port int, versionID string, timeout time.Duration) (*ProbeResult, error) {
	version, factory, err := registry.Resolve(versionID)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := transport.Dial(ctx, d, addr, factory(protocol.Client), timeout, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteOperation(protocol.Handshake{Host: host, Port: uint16(port), Next: protocol.NextStatus}); err != nil {
		return nil, err
	}
	if err := conn.WriteOperation(protocol.StatusRequest{}); err != nil {
		return nil, err
	}
	resp, err := readAs[protocol.StatusResponse](conn)
	if err != nil {
		return nil, err
	}

	sent := time.Now()
	payload := sent.UnixMilli()
	if err := conn.WriteOperation(protocol.StatusPing{Payload: payload}); err != nil {
		return nil, err
	}
	pong, err := readAs[protocol.StatusPing](conn)
	if err != nil {
		return nil, err
	}
	if pong.Payload != payload {
		return nil, fmt.Errorf("status ping payload mismatch: sent %d, got %d", payload, pong.Payload)
	}

	return &ProbeResult{Version: version, JSON: resp.JSON, Latency: time.Since(sent)}, nil
}

func readAs[T protocol.Operation](conn *transport.Conn) (T, error) {
	var zero T
	op, err := conn.ReadOperation()
	if err != nil {
		return zero, err
	}
	v, err := protocol.As[T](op)
	if err != nil {
		return zero, fmt.Errorf("expected %s, got %s: %w", zero.Kind(), op.Kind(), err)
	}
	return v, nil
}
