package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botswarm/internal/events"
	"github.com/cory-johannsen/botswarm/internal/protocol"
)

var eventColumns = []string{
	"occurred_at", "swarm_id", "session_id", "slot", "attempt", "bot",
	"event_type", "from_state", "to_state", "reason", "kind", "message",
}

// StoredEvent is one persisted session event.
type StoredEvent struct {
	ID int64
	events.Event
}

// EventRepository provides session event persistence operations.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository creates an EventRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Insert writes evs in one COPY round trip.
//
// Postcondition: Returns the number of rows written or an error; on error no
// row from evs is visible.
func (r *EventRepository) Insert(ctx context.Context, evs []events.Event) (int64, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	n, err := r.db.CopyFrom(ctx, pgx.Identifier{"session_events"}, eventColumns,
		pgx.CopyFromSlice(len(evs), func(i int) ([]any, error) {
			e := evs[i]
			kind := ""
			if e.Type == events.TypeOperationSent || e.Type == events.TypeOperationReceived {
				kind = e.Kind.String()
			}
			return []any{
				e.Time, e.SwarmID, e.SessionID, e.Slot, e.Attempt, e.Bot,
				e.Type.String(), e.From, e.To, e.Reason, kind, e.Message,
			}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting %d session events: %w", len(evs), err)
	}
	return n, nil
}

// ForSession returns the events of one session in insertion order.
func (r *EventRepository) ForSession(ctx context.Context, sessionID string) ([]StoredEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, occurred_at, swarm_id, session_id, slot, attempt, bot,
		        event_type, from_state, to_state, reason, kind, message
		 FROM session_events WHERE session_id = $1 ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			se        StoredEvent
			eventType string
			kind      string
		)
		if err := rows.Scan(&se.ID, &se.Time, &se.SwarmID, &se.SessionID, &se.Slot, &se.Attempt, &se.Bot,
			&eventType, &se.From, &se.To, &se.Reason, &kind, &se.Message); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		se.Type = parseType(eventType)
		if kind != "" {
			if k, err := protocol.ParseKind(kind); err == nil {
				se.Kind = k
			}
		}
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}
	return out, nil
}

// FailuresByReason counts sessions of a swarm that ended Failed, per reason.
func (r *EventRepository) FailuresByReason(ctx context.Context, swarmID string) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT reason, COUNT(*) FROM session_events
		 WHERE swarm_id = $1 AND event_type = $2 AND to_state = 'failed'
		 GROUP BY reason`,
		swarmID, events.TypeStateChanged.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying failures: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scanning failure count: %w", err)
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// DeleteBefore removes events older than cutoff.
//
// Postcondition: Returns the number of rows deleted.
func (r *EventRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM session_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting session events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func parseType(s string) events.Type {
	for _, t := range []events.Type{events.TypeStateChanged, events.TypeOperationSent, events.TypeOperationReceived, events.TypeError} {
		if t.String() == s {
			return t
		}
	}
	return 0
}

// EventInserter is the persistence EventSink writes through.
type EventInserter interface {
	Insert(ctx context.Context, evs []events.Event) (int64, error)
}

// EventSink batches events into the database. Batches are written when
// BatchSize events are pending or FlushInterval elapses. Failed batches are
// logged and discarded.
type EventSink struct {
	store     EventInserter
	batchSize int
	logger    *zap.Logger
	timeout   time.Duration

	mu      sync.Mutex
	pending []events.Event
	closed  bool
	failed  uint64

	flushMu sync.Mutex
	ticker  *clock.Ticker
	quit    chan struct{}
	done    chan struct{}
}

// NewEventSink starts an EventSink writing through store.
//
// Precondition: store and logger must be non-nil; batchSize and interval must be positive.
// Postcondition: Returns a running sink; call Close to flush and stop it.
func NewEventSink(store EventInserter, batchSize int, interval time.Duration, clk clock.Clock, logger *zap.Logger) *EventSink {
	if clk == nil {
		clk = clock.New()
	}
	s := &EventSink{
		store:     store,
		batchSize: batchSize,
		logger:    logger,
		timeout:   10 * time.Second,
		pending:   make([]events.Event, 0, batchSize),
		ticker:    clk.Ticker(interval),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *EventSink) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			s.flush()
		case <-s.quit:
			s.ticker.Stop()
			s.flush()
			return
		}
	}
}

// Record implements events.Sink.
func (s *EventSink) Record(e events.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, e)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		s.flush()
	}
}

// Failed returns the number of events lost to failed inserts.
func (s *EventSink) Failed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *EventSink) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = make([]events.Event, 0, s.batchSize)
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	if _, err := s.store.Insert(ctx, batch); err != nil {
		s.mu.Lock()
		s.failed += uint64(len(batch))
		s.mu.Unlock()
		s.logger.Error("persisting session events", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	s.logger.Debug("persisted session events",
		zap.Int("events", len(batch)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Close flushes pending events and stops the background flusher.
func (s *EventSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}
