package targetsim

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/botswarm/internal/credentials"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/protocol/versions"
	"github.com/cory-johannsen/botswarm/internal/transport"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Registry = versions.New()
	s := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dial(t *testing.T, s *Server, version string) *transport.Conn {
	t.Helper()
	codec, err := versions.New().NewCodec(version, protocol.Client)
	require.NoError(t, err)
	raw, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	require.NoError(t, err)
	conn := transport.NewConn(raw, codec, 2*time.Second, 2*time.Second)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_StatusPing(t *testing.T) {
	s := startServer(t, Config{CompressionThreshold: -1, MOTD: "hello"})
	conn := dial(t, s, "1.14.4")

	require.NoError(t, conn.WriteOperation(protocol.Handshake{Host: "localhost", Port: 25565, Next: protocol.NextStatus}))
	require.NoError(t, conn.WriteOperation(protocol.StatusRequest{}))
	op, err := conn.ReadOperation()
	require.NoError(t, err)

	var doc struct {
		Version struct {
			Name     string `json:"name"`
			Protocol int32  `json:"protocol"`
		} `json:"version"`
		Description struct {
			Text string `json:"text"`
		} `json:"description"`
	}
	require.NoError(t, json.Unmarshal([]byte(op.(protocol.StatusResponse).JSON), &doc))
	assert.Equal(t, int32(498), doc.Version.Protocol, "answers in the client's version")
	assert.Equal(t, "hello", doc.Description.Text)

	require.NoError(t, conn.WriteOperation(protocol.StatusPing{Payload: 99}))
	op, err = conn.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPing{Payload: 99}, op)
}

func TestServer_LoginAndPlay(t *testing.T) {
	s := startServer(t, Config{CompressionThreshold: 32})
	conn := dial(t, s, "1.17.1")

	require.NoError(t, conn.WriteOperation(protocol.Handshake{Host: "localhost", Port: 25565, Next: protocol.NextLogin}))
	require.NoError(t, conn.WriteOperation(protocol.LoginStart{Name: "Tester"}))

	op, err := conn.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, protocol.SetCompression{Threshold: 32}, op)

	op, err = conn.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, protocol.LoginSuccess{UUID: credentials.OfflineUUID("Tester"), Name: "Tester"}, op)

	op, err = conn.ReadOperation()
	require.NoError(t, err)
	assert.IsType(t, protocol.JoinGame{}, op)
	op, err = conn.ReadOperation()
	require.NoError(t, err)
	sync := op.(protocol.PositionSync)
	op, err = conn.ReadOperation()
	require.NoError(t, err)
	assert.IsType(t, protocol.Ping{}, op)

	require.NoError(t, conn.WriteOperation(protocol.TeleportConfirm{TeleportID: sync.TeleportID}))
	require.NoError(t, conn.WriteOperation(protocol.Chat{Message: "hi"}))
	require.Eventually(t, func() bool { return len(s.Chat()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Tester"}, s.Players())
	assert.Equal(t, int64(1), s.Stats().Teleports)
	assert.Equal(t, int64(1), s.Stats().LoggedIn)
	assert.Len(t, s.LoginTimes(), 1)
}

func TestServer_RejectMode(t *testing.T) {
	s := startServer(t, Config{Mode: ModeRejectAuth, CompressionThreshold: -1})
	conn := dial(t, s, "1.17.1")

	require.NoError(t, conn.WriteOperation(protocol.Handshake{Next: protocol.NextLogin}))
	require.NoError(t, conn.WriteOperation(protocol.LoginStart{Name: "Tester"}))
	op, err := conn.ReadOperation()
	require.NoError(t, err)
	assert.IsType(t, protocol.Disconnect{}, op)
	assert.Equal(t, int64(1), s.Stats().Rejected)
}

func TestServer_NoSpawnModeSkipsPositionSync(t *testing.T) {
	s := startServer(t, Config{Mode: ModeNoSpawn, CompressionThreshold: -1})
	conn := dial(t, s, "1.17.1")

	require.NoError(t, conn.WriteOperation(protocol.Handshake{Next: protocol.NextLogin}))
	require.NoError(t, conn.WriteOperation(protocol.LoginStart{Name: "Tester"}))
	op, err := conn.ReadOperation()
	require.NoError(t, err)
	assert.IsType(t, protocol.LoginSuccess{}, op)
	op, err = conn.ReadOperation()
	require.NoError(t, err)
	assert.IsType(t, protocol.JoinGame{}, op)
	op, err = conn.ReadOperation()
	require.NoError(t, err)
	assert.IsType(t, protocol.Ping{}, op, "no position sync between join and ping")
}

func TestServer_StopClosesEverything(t *testing.T) {
	s := New(Config{Registry: versions.New(), Mode: ModeSilent, CompressionThreshold: -1}, zaptest.NewLogger(t))
	require.NoError(t, s.Start())

	conns := make([]*transport.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, s, "1.14.4")
	}
	require.Eventually(t, func() bool { return s.OpenConnections() == 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Zero(t, s.OpenConnections())
	for _, c := range conns {
		_, err := c.ReadOperation()
		assert.Error(t, err)
	}
	s.Stop()
}

func TestServer_Kick(t *testing.T) {
	s := startServer(t, Config{CompressionThreshold: -1})
	assert.False(t, s.Kick("nobody", "x"))
}
