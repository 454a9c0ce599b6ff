// Package targetsim is a minimal game server speaking the server side of any
// registered protocol version. It accepts logins, keeps players alive and
// records what they send; it simulates no world.
package targetsim

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/credentials"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/transport"
)

// Mode selects how the simulator answers logins.
type Mode string

const (
	// ModeAcceptAll logs every player in.
	ModeAcceptAll Mode = "accept"
	// ModeRejectAuth answers every Login Start with a Disconnect.
	ModeRejectAuth Mode = "reject"
	// ModeOnline asks every player for encryption.
	ModeOnline Mode = "online"
	// ModeSilent never answers Login Start.
	ModeSilent Mode = "silent"
	// ModeNoSpawn logs every player in but never sends a position sync.
	ModeNoSpawn Mode = "nospawn"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address; "127.0.0.1:0" picks a free port.
	Addr     string
	Registry *protocol.Registry
	Mode     Mode
	// CompressionThreshold enables compression after login when >= 0.
	CompressionThreshold int32
	// KeepAliveInterval sends KeepAlive challenges to players; zero disables.
	KeepAliveInterval time.Duration
	// PluginChannel, when set, sends one Login Plugin Request before login
	// completes.
	PluginChannel string
	ReadTimeout   time.Duration
	MOTD          string
	MaxPlayers    int
}

// Stats summarises simulator activity.
type Stats struct {
	Accepted  int64
	Open      int64
	LoggedIn  int64
	Rejected  int64
	Received  map[protocol.Kind]int64
	Unechoed  int64
	Teleports int64
}

// Server is a running simulator.
type Server struct {
	cfg    Config
	logger *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}

	accepted  atomic.Int64
	open      atomic.Int64
	loggedIn  atomic.Int64
	rejected  atomic.Int64
	unechoed  atomic.Int64
	teleports atomic.Int64
	nextID    atomic.Int32

	mu       sync.Mutex
	running  bool
	raws     map[net.Conn]struct{}
	conns    map[*transport.Conn]*player
	received map[protocol.Kind]int64
	chat     []string
	logins   []time.Time
}

type player struct {
	name    string
	version protocol.Version

	mu      sync.Mutex
	pending map[int64]bool
}

// New returns a stopped simulator.
//
// Precondition: cfg.Registry and logger must be non-nil.
// Postcondition: Returns a Server ready for Start.
func New(cfg Config, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAcceptAll
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Minute
	}
	if cfg.MOTD == "" {
		cfg.MOTD = "botswarm target simulator"
	}
	if cfg.MaxPlayers <= 0 {
		cfg.MaxPlayers = 10000
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		quit:     make(chan struct{}),
		raws:     make(map[net.Conn]struct{}),
		conns:    make(map[*transport.Conn]*player),
		received: make(map[protocol.Kind]int64),
	}
}

// Start listens and serves connections in the background.
//
// Precondition: The server must not already be running.
// Postcondition: Addr reports the bound address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.logger.Info("target simulator listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("mode", string(s.cfg.Mode)),
	)

	s.wg.Add(1)
	go s.serve(ln)
	return nil
}

// ListenAndServe is Start followed by blocking until Stop.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.quit
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			raw.Close()
			return
		}
		s.raws[raw] = struct{}{}
		s.mu.Unlock()

		s.accepted.Add(1)
		s.open.Add(1)
		s.wg.Add(1)
		go s.handleConn(raw)
	}
}

// Stop closes the listener and every connection, and waits for handlers.
//
// Postcondition: OpenConnections reports zero.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	for raw := range s.raws {
		raw.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("target simulator stopped")
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// OpenConnections returns the number of connections not yet closed.
func (s *Server) OpenConnections() int { return int(s.open.Load()) }

// Players returns the names of players currently in the play phase.
func (s *Server) Players() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for _, p := range s.conns {
		out = append(out, p.name)
	}
	return out
}

// Chat returns every chat line received, as "name: message".
func (s *Server) Chat() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chat...)
}

// LoginTimes returns when each successful login completed.
func (s *Server) LoginTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.logins...)
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	received := make(map[protocol.Kind]int64, len(s.received))
	for k, v := range s.received {
		received[k] = v
	}
	s.mu.Unlock()
	return Stats{
		Accepted:  s.accepted.Load(),
		Open:      s.open.Load(),
		LoggedIn:  s.loggedIn.Load(),
		Rejected:  s.rejected.Load(),
		Received:  received,
		Unechoed:  s.unechoed.Load(),
		Teleports: s.teleports.Load(),
	}
}

// Broadcast sends op to every player in the play phase and returns how many
// received it.
func (s *Server) Broadcast(op protocol.Operation) int {
	s.mu.Lock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := c.WriteOperation(op); err == nil {
			sent++
		}
	}
	return sent
}

// Kick disconnects the named player.
func (s *Server) Kick(name, reason string) bool {
	s.mu.Lock()
	var target *transport.Conn
	for c, p := range s.conns {
		if p.name == name {
			target = c
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	_ = target.WriteOperation(protocol.Disconnect{Reason: chatJSON(reason)})
	_ = target.Close()
	return true
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()
	defer func() {
		raw.Close()
		s.mu.Lock()
		delete(s.raws, raw)
		s.mu.Unlock()
		s.open.Add(-1)
	}()
	start := time.Now()
	addr := raw.RemoteAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, hs, err := s.handshake(raw)
	if err != nil {
		s.logger.Debug("handshake failed", zap.String("remote_addr", addr), zap.Error(err))
		return
	}
	defer conn.Close()

	switch hs.Next {
	case protocol.NextStatus:
		err = s.status(conn)
	case protocol.NextLogin:
		err = s.login(ctx, conn)
	}
	s.logger.Debug("connection ended",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
}

// handshake decodes the Handshake with any dialect (its layout never changes)
// and then switches to the dialect matching the announced protocol number.
func (s *Server) handshake(raw net.Conn) (*transport.Conn, protocol.Handshake, error) {
	versions := s.cfg.Registry.Versions()
	if len(versions) == 0 {
		return nil, protocol.Handshake{}, errors.New("no versions registered")
	}
	probe, err := s.cfg.Registry.NewCodec(versions[len(versions)-1].ID, protocol.Server)
	if err != nil {
		return nil, protocol.Handshake{}, err
	}
	first := transport.NewConn(raw, probe, s.cfg.ReadTimeout, s.cfg.ReadTimeout)
	op, err := first.ReadOperation()
	if err != nil {
		return nil, protocol.Handshake{}, err
	}
	hs, ok := op.(protocol.Handshake)
	if !ok {
		return nil, protocol.Handshake{}, fmt.Errorf("expected handshake, got %s", op.Kind())
	}

	chosen := probe
	for _, v := range versions {
		if v.Protocol == hs.Protocol {
			chosen, err = s.cfg.Registry.NewCodec(v.ID, protocol.Server)
			if err != nil {
				return nil, hs, err
			}
			chosen.SetPhase(probe.Phase())
			break
		}
	}
	if chosen != probe {
		first.Rebind(chosen)
	}
	return first, hs, nil
}

func (s *Server) status(conn *transport.Conn) error {
	v := conn.Codec().Version()
	for {
		op, err := conn.ReadOperation()
		if err != nil {
			return err
		}
		switch o := op.(type) {
		case protocol.StatusRequest:
			doc := fmt.Sprintf(`{"version":{"name":%q,"protocol":%d},"players":{"max":%d,"online":%d},"description":{"text":%q}}`,
				v.ID, v.Protocol, s.cfg.MaxPlayers, s.loggedInNow(), s.cfg.MOTD)
			if err := conn.WriteOperation(protocol.StatusResponse{JSON: doc}); err != nil {
				return err
			}
		case protocol.StatusPing:
			return conn.WriteOperation(o)
		}
	}
}

func (s *Server) loggedInNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) login(ctx context.Context, conn *transport.Conn) error {
	op, err := conn.ReadOperation()
	if err != nil {
		return err
	}
	start, ok := op.(protocol.LoginStart)
	if !ok {
		return fmt.Errorf("expected login start, got %s", op.Kind())
	}

	switch s.cfg.Mode {
	case ModeRejectAuth:
		s.rejected.Add(1)
		return conn.WriteOperation(protocol.Disconnect{Reason: chatJSON("You are not white-listed on this server!")})
	case ModeOnline:
		s.rejected.Add(1)
		key := make([]byte, 162)
		token := make([]byte, 4)
		_, _ = rand.Read(key)
		_, _ = rand.Read(token)
		if err := conn.WriteOperation(protocol.EncryptionRequest{PublicKey: key, VerifyToken: token}); err != nil {
			return err
		}
		return s.drain(conn)
	case ModeSilent:
		return s.drain(conn)
	}

	if s.cfg.PluginChannel != "" {
		if err := conn.WriteOperation(protocol.LoginPluginRequest{MessageID: 1, Channel: s.cfg.PluginChannel}); err != nil {
			return err
		}
		op, err := conn.ReadOperation()
		if err != nil {
			return err
		}
		if _, ok := op.(protocol.LoginPluginResponse); !ok {
			return fmt.Errorf("expected login plugin response, got %s", op.Kind())
		}
	}
	if s.cfg.CompressionThreshold >= 0 {
		if err := conn.WriteOperation(protocol.SetCompression{Threshold: s.cfg.CompressionThreshold}); err != nil {
			return err
		}
	}
	success := protocol.LoginSuccess{UUID: credentials.OfflineUUID(start.Name), Name: start.Name}
	if err := conn.WriteOperation(success); err != nil {
		return err
	}

	p := &player{name: start.Name, version: conn.Codec().Version(), pending: make(map[int64]bool)}
	s.mu.Lock()
	s.conns[conn] = p
	s.logins = append(s.logins, time.Now())
	s.mu.Unlock()
	s.loggedIn.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	return s.play(ctx, conn, p)
}

func (s *Server) play(ctx context.Context, conn *transport.Conn, p *player) error {
	entity := s.nextID.Add(1)
	spawn := []protocol.Operation{protocol.JoinGame{EntityID: entity, GameMode: 0}}
	if s.cfg.Mode != ModeNoSpawn {
		spawn = append(spawn, protocol.PositionSync{X: 0.5, Y: 64, Z: 0.5, TeleportID: 1})
	}
	for _, op := range spawn {
		if err := conn.WriteOperation(op); err != nil {
			return err
		}
	}
	// Ping only exists in newer dialects.
	if err := conn.WriteOperation(protocol.Ping{ID: entity}); err != nil && !errors.Is(err, protocol.ErrNotRepresentable) {
		return err
	}

	if s.cfg.KeepAliveInterval > 0 {
		go s.keepAlive(ctx, conn, p)
	}

	for {
		op, err := conn.ReadOperation()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.received[op.Kind()]++
		if c, ok := op.(protocol.Chat); ok {
			s.chat = append(s.chat, p.name+": "+c.Message)
		}
		s.mu.Unlock()

		switch o := op.(type) {
		case protocol.KeepAlive:
			p.mu.Lock()
			if p.pending[o.ID] {
				delete(p.pending, o.ID)
			} else {
				s.unechoed.Add(1)
			}
			p.mu.Unlock()
		case protocol.TeleportConfirm:
			s.teleports.Add(1)
		case protocol.ClientStatus:
			if o.Action == protocol.ActionRespawn {
				if err := conn.WriteOperation(protocol.UpdateHealth{Health: 20, Food: 20, Saturation: 5}); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Server) keepAlive(ctx context.Context, conn *transport.Conn, p *player) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			id := t.UnixNano()
			p.mu.Lock()
			p.pending[id] = true
			p.mu.Unlock()
			if err := conn.WriteOperation(protocol.KeepAlive{ID: id}); err != nil {
				return
			}
		}
	}
}

// drain reads until the peer goes away.
func (s *Server) drain(conn *transport.Conn) error {
	for {
		if _, err := conn.ReadOperation(); err != nil {
			return err
		}
	}
}

func chatJSON(text string) string {
	return fmt.Sprintf(`{"text":%q}`, text)
}
