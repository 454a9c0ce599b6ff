package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/botswarm/internal/credentials"
	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/protocol"
	"github.com/cory-johannsen/botswarm/internal/session"
	"github.com/cory-johannsen/botswarm/internal/transport"
)

// recentErrorLimit bounds State.RecentErrors.
const recentErrorLimit = 32

// RecentError is one failure kept for status reporting.
type RecentError struct {
	Time    time.Time
	Slot    int
	Bot     string
	Reason  string
	Message string
}

// State is a point-in-time snapshot of a swarm.
type State struct {
	ID      string
	Target  string
	Version protocol.Version
	// Requested is the configured session count; Capacity is lower when
	// credentials or proxies ran out.
	Requested int
	Capacity  int
	// Counts holds the current state of every tracked slot's session.
	Counts       map[session.State]int
	Total        int
	Attempts     int
	Failures     map[session.Reason]int
	RecentErrors []RecentError
	Dropped      uint64
	Running      bool
	Paused       bool
	StartedAt    time.Time
}

// Active returns the number of sessions currently in the Active state.
func (s State) Active() int { return s.Counts[session.StateActive] }

// slot owns one identity and at most one live session at a time.
type slot struct {
	index   int
	creds   credentials.Credentials
	dialer  transport.Dialer
	proxy   string
	current *session.Session
}

// Swarm is a running set of sessions against one target.
type Swarm struct {
	id        string
	cfg       Config
	version   protocol.Version
	factory   protocol.Factory
	handlers  session.Handlers
	sink      events.Sink
	dropped   func() uint64
	clock     clock.Clock
	logger    *zap.Logger
	limiter   *rate.Limiter
	proxies   *proxyPool
	startedAt time.Time

	// ctx is cancelled to force-release every session; createCtx only stops
	// the creation loop and pending retries.
	ctx          context.Context
	cancel       context.CancelFunc
	createCtx    context.Context
	createCancel context.CancelFunc

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	slots    []*slot
	capacity int
	attempts int
	failures map[session.Reason]int
	recent   []RecentError
	paused   bool
	resumeCh chan struct{}
	stopping bool
}

func (sw *Swarm) ID() string { return sw.id }

// Config returns the swarm's effective configuration.
func (sw *Swarm) Config() Config { return sw.cfg }

// Done is closed once the creation loop and every slot runner have exited.
func (sw *Swarm) Done() <-chan struct{} { return sw.done }

func (sw *Swarm) start() {
	sw.wg.Add(1)
	go sw.create()
	go func() {
		sw.wg.Wait()
		close(sw.done)
	}()
}

// create starts slots at the configured rate until SessionCount slots exist
// or the swarm stops.
func (sw *Swarm) create() {
	defer sw.wg.Done()

	for i := 0; i < sw.cfg.SessionCount; i++ {
		if sw.waitResumed() != nil {
			return
		}

		creds, err := sw.cfg.Credentials.Credentials(i)
		if errors.Is(err, credentials.ErrExhausted) {
			sw.capAt(i, "credentials exhausted")
			return
		}
		if err != nil {
			sw.logger.Warn("skipping slot without credentials", zap.Int("slot", i), zap.Error(err))
			sw.sink.Record(events.Event{
				Type:    events.TypeError,
				Time:    sw.clock.Now(),
				SwarmID: sw.id,
				Slot:    i,
				Reason:  "credentials",
				Message: err.Error(),
			})
			continue
		}

		dialer, proxyAddr, ok := sw.proxies.assign()
		if !ok {
			sw.capAt(i, "proxies exhausted")
			return
		}

		if sw.limiter.Wait(sw.createCtx) != nil {
			return
		}

		sl := &slot{index: i, creds: creds, dialer: dialer, proxy: proxyAddr}
		sw.mu.Lock()
		if sw.stopping {
			sw.mu.Unlock()
			return
		}
		sw.slots = append(sw.slots, sl)
		sw.wg.Add(1)
		sw.mu.Unlock()

		go sw.runSlot(sl)
	}
}

func (sw *Swarm) capAt(n int, why string) {
	sw.mu.Lock()
	sw.capacity = n
	sw.mu.Unlock()
	sw.logger.Warn("swarm capped",
		zap.String("reason", why),
		zap.Int("sessions", n),
		zap.Int("requested", sw.cfg.SessionCount),
	)
}

// runSlot runs sessions for one slot until one ends without a retry.
func (sw *Swarm) runSlot(sl *slot) {
	defer sw.wg.Done()

	logger := sw.logger.With(zap.Int("slot", sl.index), zap.String("bot", sl.creds.Username))
	var bo *backoff.ExponentialBackOff
	retries := 0

	for attempt := 1; ; attempt++ {
		// The creation loop already took the first attempt's token.
		if attempt > 1 {
			if sw.waitResumed() != nil || sw.limiter.Wait(sw.createCtx) != nil {
				return
			}
		}

		sess := session.New(session.Config{
			SwarmID:           sw.id,
			Slot:              sl.index,
			Attempt:           attempt,
			Host:              sw.cfg.TargetHost,
			Port:              uint16(sw.cfg.TargetPort),
			Credentials:       sl.creds,
			Codec:             sw.factory(protocol.Client),
			Dialer:            sl.dialer,
			Timeout:           sw.cfg.PerSessionTimeout,
			KeepAliveInterval: sw.cfg.KeepAliveInterval,
			QueueSize:         sw.cfg.QueueSize,
			EnqueueTimeout:    sw.cfg.EnqueueTimeout,
			Handlers:          sw.handlers,
			Sink:              sw.sink,
			Clock:             sw.clock,
			Logger:            sw.logger,
		})
		if !sw.setCurrent(sl, sess) {
			return
		}

		err := sess.Run(sw.ctx)
		if err == nil {
			return
		}
		reason := session.ReasonOf(err)
		sw.recordFailure(reason)

		delay, retry := sw.retryDelay(reason, retries, &bo, sess.ReachedActive())
		if !retry {
			return
		}
		retries++
		logger.Info("reconnecting",
			zap.Stringer("reason", reason),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		select {
		case <-sw.clock.After(delay):
		case <-sw.createCtx.Done():
			return
		}
	}
}

// setCurrent installs sess as the slot's live session unless the swarm is
// stopping. Stop snapshots sessions under the same lock, so every session
// that runs is either in that snapshot or never started.
func (sw *Swarm) setCurrent(sl *slot, sess *session.Session) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.stopping {
		return false
	}
	sl.current = sess
	sw.attempts++
	return true
}

func (sw *Swarm) retryDelay(reason session.Reason, retries int, bo **backoff.ExponentialBackOff, reachedActive bool) (time.Duration, bool) {
	if !reason.Retryable() {
		return 0, false
	}
	r := sw.cfg.Reconnect
	switch r.Policy {
	case PolicyFixed:
		if retries >= r.MaxAttempts {
			return 0, false
		}
		return r.Delay, true
	case PolicyBackoff:
		if *bo == nil {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = r.InitialInterval
			b.MaxInterval = r.MaxInterval
			b.Multiplier = r.Multiplier
			b.MaxElapsedTime = 0
			b.Clock = sw.clock
			b.Reset()
			*bo = b
		} else if reachedActive {
			(*bo).Reset()
		}
		d := (*bo).NextBackOff()
		if d == backoff.Stop {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

func (sw *Swarm) recordFailure(reason session.Reason) {
	sw.mu.Lock()
	sw.failures[reason]++
	sw.mu.Unlock()
}

// observe keeps the most recent Error events for status reporting.
func (sw *Swarm) observe(e events.Event) {
	if e.Type != events.TypeError {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.recent) == recentErrorLimit {
		copy(sw.recent, sw.recent[1:])
		sw.recent = sw.recent[:recentErrorLimit-1]
	}
	sw.recent = append(sw.recent, RecentError{
		Time:    e.Time,
		Slot:    e.Slot,
		Bot:     e.Bot,
		Reason:  e.Reason,
		Message: e.Message,
	})
}

func (sw *Swarm) waitResumed() error {
	for {
		sw.mu.Lock()
		paused, ch := sw.paused, sw.resumeCh
		sw.mu.Unlock()
		if !paused {
			return sw.createCtx.Err()
		}
		select {
		case <-ch:
		case <-sw.createCtx.Done():
			return sw.createCtx.Err()
		}
	}
}

// Pause holds the creation loop and pending reconnects. Live sessions keep
// running.
func (sw *Swarm) Pause() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.paused {
		return
	}
	sw.paused = true
	sw.resumeCh = make(chan struct{})
	sw.logger.Info("swarm paused")
}

// Resume releases a paused creation loop.
func (sw *Swarm) Resume() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.paused {
		return
	}
	sw.paused = false
	close(sw.resumeCh)
	sw.logger.Info("swarm resumed")
}

// Broadcast enqueues op on every Active session.
//
// Postcondition: sent+failed equals the number of sessions that were Active.
func (sw *Swarm) Broadcast(ctx context.Context, op protocol.Operation) (sent, failed int) {
	for _, s := range sw.live() {
		if s.State() != session.StateActive {
			continue
		}
		if err := s.Enqueue(ctx, op); err != nil {
			failed++
			sw.logger.Debug("broadcast enqueue failed",
				zap.String("session", s.ID()),
				zap.Stringer("kind", op.Kind()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent, failed
}

// Sessions returns the live session of every tracked slot.
func (sw *Swarm) Sessions() []*session.Session { return sw.live() }

func (sw *Swarm) live() []*session.Session {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]*session.Session, 0, len(sw.slots))
	for _, sl := range sw.slots {
		if sl.current != nil {
			out = append(out, sl.current)
		}
	}
	return out
}

// Stop cancels creation, asks every session to close, waits up to StopGrace
// (or until ctx ends) and then force-releases whatever is left. It returns
// once every slot runner has exited. Safe to call more than once.
//
// Postcondition: Every tracked session is terminal and no transport is open.
func (sw *Swarm) Stop(ctx context.Context) {
	sw.stopOnce.Do(func() {
		sw.mu.Lock()
		sw.stopping = true
		sw.mu.Unlock()
		sw.createCancel()

		sessions := sw.live()
		for _, s := range sessions {
			s.Stop()
		}
		sw.logger.Info("stopping swarm", zap.Int("sessions", len(sessions)))

		grace := sw.clock.Timer(sw.cfg.StopGrace)
		select {
		case <-sw.done:
		case <-grace.C:
			sw.logger.Warn("stop grace elapsed, forcing release", zap.Duration("grace", sw.cfg.StopGrace))
		case <-ctx.Done():
			sw.logger.Warn("stop interrupted, forcing release", zap.Error(ctx.Err()))
		}
		grace.Stop()
		sw.cancel()
	})
	<-sw.done
}

// Status returns a snapshot without blocking on any session.
func (sw *Swarm) Status() State {
	sw.mu.Lock()
	st := State{
		ID:        sw.id,
		Target:    sw.cfg.Target(),
		Version:   sw.version,
		Requested: sw.cfg.SessionCount,
		Capacity:  sw.capacity,
		Counts:    make(map[session.State]int, len(session.States)),
		Total:     len(sw.slots),
		Attempts:  sw.attempts,
		Failures:  make(map[session.Reason]int, len(sw.failures)),
		Paused:    sw.paused,
		StartedAt: sw.startedAt,
	}
	for r, n := range sw.failures {
		st.Failures[r] = n
	}
	st.RecentErrors = append([]RecentError(nil), sw.recent...)
	current := make([]*session.Session, 0, len(sw.slots))
	for _, sl := range sw.slots {
		if sl.current != nil {
			current = append(current, sl.current)
		}
	}
	sw.mu.Unlock()

	for _, s := range current {
		st.Counts[s.State()]++
	}
	if sw.dropped != nil {
		st.Dropped = sw.dropped()
	}
	select {
	case <-sw.done:
	default:
		st.Running = true
	}
	return st
}

func (s State) String() string {
	return fmt.Sprintf("%s %s@%s: %d/%d active, %d attempts",
		s.ID, s.Target, s.Version.ID, s.Active(), s.Requested, s.Attempts)
}
