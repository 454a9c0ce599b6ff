// Package session runs one bot connection through its lifecycle: connect,
// handshake, login, play, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/credentials"
	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/transport"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultKeepAliveInterval = 10 * time.Second
	DefaultQueueSize         = 64
	DefaultEnqueueTimeout    = time.Second
)

// PositionSync flag bits marking relative coordinates.
const (
	relX     = 0x01
	relY     = 0x02
	relZ     = 0x04
	relYaw   = 0x08
	relPitch = 0x10
)

// Bot is the view of a session given to operation handlers.
type Bot interface {
	ID() string
	Name() string
	Slot() int
	Version() protocol.Version
	State() State
	EntityID() int32
	Position() (Position, bool)
	Enqueue(ctx context.Context, op protocol.Operation) error
}

// Handler reacts to an operation received by an active session. It runs on
// the session's reader goroutine; a returned error is reported, not fatal.
type Handler func(ctx context.Context, bot Bot, op protocol.Operation) error

// Handlers maps operation kinds to handlers in registration order.
type Handlers map[protocol.Kind][]Handler

// Position is the bot's last known location.
type Position struct {
	X, Y, Z    float64
	Yaw, Pitch float32
}

// Config describes one session.
type Config struct {
	SwarmID     string
	Slot        int
	Attempt     int
	Host        string
	Port        uint16
	Credentials credentials.Credentials

	// Codec must be a fresh client-side codec owned by this session.
	Codec  protocol.Codec
	Dialer transport.Dialer

	// Timeout bounds the dial, the whole login, and read silence while active.
	Timeout           time.Duration
	KeepAliveInterval time.Duration
	QueueSize         int
	EnqueueTimeout    time.Duration

	Handlers Handlers
	Sink     events.Sink
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Session is one logical bot connection. Only the goroutines started by Run
// change its state; other components interact through Stop and Enqueue.
type Session struct {
	id     string
	cfg    Config
	addr   string
	logger *zap.Logger

	queue  chan protocol.Operation
	stopCh chan struct{}
	done   chan struct{}

	mu           sync.Mutex
	state        State
	started      bool
	stopping     bool
	cancel       context.CancelFunc
	conn         *transport.Conn
	failure      *Failure
	cause        *Failure
	entityID     int32
	playerID     uuid.UUID
	position     Position
	positioned   bool
	wasActive    bool
	lastActivity time.Time
}

// New builds a session in the Connecting state. Zero durations and sizes in
// cfg take the package defaults.
//
// Precondition: cfg.Codec and cfg.Dialer must be non-nil.
// Postcondition: Returns a Session ready for Run.
func New(cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Nop
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:   id,
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port))),
		logger: cfg.Logger.With(
			zap.String("session", id),
			zap.String("bot", cfg.Credentials.Username),
			zap.Int("slot", cfg.Slot),
		),
		queue:        make(chan protocol.Operation, cfg.QueueSize),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		state:        StateConnecting,
		lastActivity: cfg.Clock.Now(),
	}
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Name() string              { return s.cfg.Credentials.Username }
func (s *Session) Slot() int                 { return s.cfg.Slot }
func (s *Session) Attempt() int              { return s.cfg.Attempt }
func (s *Session) Version() protocol.Version { return s.cfg.Codec.Version() }

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the terminal failure, or nil while running or when the
// session closed cleanly.
func (s *Session) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// EntityID returns the entity ID assigned by Join Game, or 0.
func (s *Session) EntityID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entityID
}

// PlayerID returns the UUID assigned by Login Success.
func (s *Session) PlayerID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

// Position returns the last server-confirmed position; ok is false until the
// first Position Sync.
func (s *Session) Position() (pos Position, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position, s.positioned
}

// ReachedActive reports whether the session ever completed login.
func (s *Session) ReachedActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasActive
}

// LastActivity returns when the last operation was sent or received.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Stop asks the session to close. Before Active this aborts the attempt
// (Failed/Cancelled); once Active the session drains its in-flight write and
// closes (Closing, then Closed). Safe to call any number of times.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.state.Terminal() {
		return
	}
	s.stopping = true
	close(s.stopCh)
	if s.state < StateActive && s.cancel != nil {
		s.cancel()
	}
}

// Enqueue queues op for sending once the session is active.
//
// Postcondition: Returns nil once queued; ErrQueueFull after the enqueue
// timeout; ErrClosing after Stop or termination; ctx.Err() if ctx ends first.
func (s *Session) Enqueue(ctx context.Context, op protocol.Operation) error {
	if protocol.IsNil(op) {
		return errors.New("enqueue: nil operation")
	}
	s.mu.Lock()
	closing := s.stopping || s.state.Terminal()
	s.mu.Unlock()
	if closing {
		return ErrClosing
	}

	select {
	case s.queue <- op:
		return nil
	default:
	}

	timer := s.cfg.Clock.Timer(s.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.queue <- op:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-s.stopCh:
		return ErrClosing
	case <-s.done:
		return ErrClosing
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session to a terminal state. Cancelling ctx force-releases
// the session from any suspension point.
//
// Precondition: Run is called at most once.
// Postcondition: The transport is closed, Done is closed, and the returned
// error is nil (Closed) or a *Failure (Failed).
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	stopped := s.stopping
	s.mu.Unlock()

	s.emitState("", StateConnecting, ReasonNone)
	if stopped {
		return s.finish(&Failure{Reason: ReasonCancelled, Err: context.Canceled})
	}

	dialCtx, dialCancel := context.WithTimeout(runCtx, s.cfg.Timeout)
	conn, err := transport.Dial(dialCtx, s.cfg.Dialer, s.addr, s.cfg.Codec, s.cfg.Timeout, s.cfg.Timeout)
	dialTimedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	dialCancel()
	if err != nil {
		return s.finish(s.classify(runCtx, dialTimedOut, err))
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	releaseOnCancel := context.AfterFunc(runCtx, func() { _ = conn.Close() })
	defer releaseOnCancel()

	loginCtx, loginCancel := context.WithTimeout(runCtx, s.cfg.Timeout)
	closeOnExpiry := context.AfterFunc(loginCtx, func() { _ = conn.Close() })
	err = s.login(conn)
	if !closeOnExpiry() && err == nil {
		err = loginCtx.Err()
	}
	loginTimedOut := errors.Is(loginCtx.Err(), context.DeadlineExceeded)
	loginCancel()
	if err != nil {
		return s.finish(s.classify(runCtx, loginTimedOut, err))
	}

	if !s.transition(StateActive, ReasonNone) {
		return s.finish(&Failure{Reason: ReasonCancelled, Err: context.Canceled})
	}
	return s.finish(s.active(runCtx, conn))
}

// login performs the Handshaking and Authenticating steps.
func (s *Session) login(conn *transport.Conn) error {
	if !s.transition(StateHandshaking, ReasonNone) {
		return context.Canceled
	}
	hs := protocol.Handshake{Host: s.cfg.Host, Port: s.cfg.Port, Next: protocol.NextLogin}
	if err := s.write(conn, hs); err != nil {
		return err
	}

	if !s.transition(StateAuthenticating, ReasonNone) {
		return context.Canceled
	}
	if err := s.write(conn, protocol.LoginStart{Name: s.cfg.Credentials.Username}); err != nil {
		return err
	}

	for {
		op, err := s.read(conn)
		if err != nil {
			return err
		}
		switch o := op.(type) {
		case protocol.LoginSuccess:
			s.mu.Lock()
			s.playerID = o.UUID
			s.mu.Unlock()
			return nil
		case protocol.Disconnect:
			return &Failure{Reason: ReasonAuthRejected, Err: fmt.Errorf("%w: %s", ErrKicked, o.Reason)}
		case protocol.EncryptionRequest:
			return &Failure{Reason: ReasonAuthRejected, Err: ErrOnlineMode}
		case protocol.LoginPluginRequest:
			if err := s.write(conn, protocol.LoginPluginResponse{MessageID: o.MessageID}); err != nil {
				return err
			}
		}
	}
}

// active runs the play phase until the connection ends. It returns nil when
// the session closed on request.
func (s *Session) active(runCtx context.Context, conn *transport.Conn) *Failure {
	ctx, cancel := context.WithCancel(runCtx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		s.keepAliveLoop(ctx, conn)
	}()

	err := s.readLoop(ctx, conn)
	s.setCause(s.classify(runCtx, false, err))
	cancel()
	_ = conn.Close()
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil
	}
	return s.cause
}

func (s *Session) readLoop(ctx context.Context, conn *transport.Conn) error {
	for {
		op, err := s.read(conn)
		if err != nil {
			return err
		}
		if err := s.handle(ctx, conn, op); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *transport.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			s.transition(StateClosing, ReasonNone)
			_ = conn.Close()
			return
		case op := <-s.queue:
			if err := s.write(conn, op); err != nil {
				s.setCause(s.classify(ctx, false, err))
				_ = conn.Close()
				return
			}
		}
	}
}

// keepAliveLoop sends an idle on-ground position update every
// KeepAliveInterval so the server sees traffic from otherwise idle bots, even
// before the server has placed them. Servers reject unsolicited
// serverbound KeepAlive IDs, so those are only ever echoed.
func (s *Session) keepAliveLoop(ctx context.Context, conn *transport.Conn) {
	ticker := s.cfg.Clock.Ticker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			// Before the first position sync the bot reports the origin.
			pos, _ := s.Position()
			move := protocol.PlayerMove{X: pos.X, Y: pos.Y, Z: pos.Z, OnGround: true}
			if err := s.write(conn, move); err != nil {
				s.setCause(s.classify(ctx, false, err))
				_ = conn.Close()
				return
			}
		}
	}
}

// handle applies built-in swarm behaviour, then plugin handlers.
func (s *Session) handle(ctx context.Context, conn *transport.Conn, op protocol.Operation) error {
	switch o := op.(type) {
	case protocol.KeepAlive:
		if err := s.write(conn, protocol.KeepAlive{ID: o.ID}); err != nil {
			return err
		}
	case protocol.Ping:
		if err := s.write(conn, protocol.Pong{ID: o.ID}); err != nil {
			return err
		}
	case protocol.JoinGame:
		s.mu.Lock()
		s.entityID = o.EntityID
		s.mu.Unlock()
	case protocol.PositionSync:
		pos := s.applySync(o)
		if err := s.write(conn, protocol.TeleportConfirm{TeleportID: o.TeleportID}); err != nil {
			return err
		}
		move := protocol.PlayerMove{X: pos.X, Y: pos.Y, Z: pos.Z, Yaw: pos.Yaw, Pitch: pos.Pitch, Rotation: true}
		if err := s.write(conn, move); err != nil {
			return err
		}
	case protocol.UpdateHealth:
		if o.Health <= 0 {
			if err := s.write(conn, protocol.ClientStatus{Action: protocol.ActionRespawn}); err != nil {
				return err
			}
		}
	case protocol.Disconnect:
		return &Failure{Reason: ReasonTransportError, Err: fmt.Errorf("%w: %s", ErrKicked, o.Reason)}
	}

	for _, h := range s.cfg.Handlers[op.Kind()] {
		s.runHandler(ctx, h, op)
	}
	return nil
}

func (s *Session) runHandler(ctx context.Context, h Handler, op protocol.Operation) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("operation handler panicked", zap.Stringer("kind", op.Kind()), zap.Any("panic", r))
		}
	}()
	if err := h(ctx, s, op); err != nil {
		s.logger.Debug("operation handler failed", zap.Stringer("kind", op.Kind()), zap.Error(err))
		s.emit(events.Event{Type: events.TypeError, Kind: op.Kind(), Message: err.Error()})
	}
}

func (s *Session) applySync(o protocol.PositionSync) Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.position
	p.X = relative(o.Flags&relX != 0, p.X, o.X)
	p.Y = relative(o.Flags&relY != 0, p.Y, o.Y)
	p.Z = relative(o.Flags&relZ != 0, p.Z, o.Z)
	p.Yaw = relative(o.Flags&relYaw != 0, p.Yaw, o.Yaw)
	p.Pitch = relative(o.Flags&relPitch != 0, p.Pitch, o.Pitch)
	s.position = p
	s.positioned = true
	return p
}

func relative[T float32 | float64](rel bool, cur, v T) T {
	if rel {
		return cur + v
	}
	return v
}

func (s *Session) read(conn *transport.Conn) (protocol.Operation, error) {
	op, err := conn.ReadOperation()
	if err != nil {
		return nil, err
	}
	s.touch()
	s.emit(events.Event{Type: events.TypeOperationReceived, Kind: op.Kind()})
	return op, nil
}

func (s *Session) write(conn *transport.Conn, op protocol.Operation) error {
	if err := conn.WriteOperation(op); err != nil {
		return err
	}
	s.touch()
	s.emit(events.Event{Type: events.TypeOperationSent, Kind: op.Kind()})
	return nil
}

func (s *Session) touch() {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) setCause(f *Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause == nil {
		s.cause = f
	}
}

// classify maps an error ending a lifecycle step to a failure reason.
func (s *Session) classify(runCtx context.Context, timedOut bool, err error) *Failure {
	var f *Failure
	switch {
	case runCtx.Err() != nil:
		return &Failure{Reason: ReasonCancelled, Err: err}
	case errors.As(err, &f):
		return f
	case timedOut || transport.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded):
		return &Failure{Reason: ReasonTimeout, Err: err}
	case protocol.IsCodecError(err):
		failure := &Failure{Reason: ReasonProtocolError, Err: err}
		var enc *protocol.EncodingError
		if errors.As(err, &enc) {
			failure.Op = enc.Op
		}
		return failure
	}
	return &Failure{Reason: ReasonTransportError, Err: err}
}

// transition moves to state to, refusing illegal steps and, once Stop was
// requested, any step into Active.
func (s *Session) transition(to State, reason Reason) bool {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) || (to == StateActive && s.stopping) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	if to == StateActive {
		s.wasActive = true
	}
	s.mu.Unlock()
	s.emitState(from.String(), to, reason)
	return true
}

// finish moves the session to its terminal state and releases the transport.
func (s *Session) finish(f *Failure) error {
	if f == nil && s.State() == StateActive {
		s.transition(StateClosing, ReasonNone)
	}

	s.mu.Lock()
	from := s.state
	to := StateFailed
	reason := ReasonNone
	if f == nil {
		to = StateClosed
	} else {
		reason = f.Reason
	}
	s.state = to
	s.failure = f
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.emitState(from.String(), to, reason)
	if f != nil {
		s.emit(events.Event{Type: events.TypeError, Reason: reason.String(), Message: f.Error()})
	}
	close(s.done)

	if f == nil {
		return nil
	}
	return f
}

func (s *Session) emitState(from string, to State, reason Reason) {
	e := events.Event{Type: events.TypeStateChanged, From: from, To: to.String()}
	if reason != ReasonNone {
		e.Reason = reason.String()
	}
	s.emit(e)
}

func (s *Session) emit(e events.Event) {
	e.Time = s.cfg.Clock.Now()
	e.SwarmID = s.cfg.SwarmID
	e.SessionID = s.id
	e.Slot = s.cfg.Slot
	e.Attempt = s.cfg.Attempt
	e.Bot = s.cfg.Credentials.Username
	s.cfg.Sink.Record(e)
}
