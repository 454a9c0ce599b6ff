package events

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink writes events to a zap logger. State changes and errors log at
// info and warn; operation traffic only at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink.
//
// Precondition: logger must be non-nil.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs e.
func (s *LogSink) Record(e Event) {
	fields := []zap.Field{
		zap.String("swarm", e.SwarmID),
		zap.String("bot", e.Bot),
		zap.Int("slot", e.Slot),
		zap.Int("attempt", e.Attempt),
	}
	switch e.Type {
	case TypeStateChanged:
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
		if e.Reason != "" {
			fields = append(fields, zap.String("reason", e.Reason))
		}
		s.logger.Info("session state changed", fields...)
	case TypeOperationSent, TypeOperationReceived:
		if ce := s.logger.Check(zapcore.DebugLevel, "session operation"); ce != nil {
			ce.Write(append(fields, zap.Stringer("direction", e.Type), zap.Stringer("kind", e.Kind))...)
		}
	case TypeError:
		fields = append(fields, zap.String("reason", e.Reason), zap.String("error", e.Message))
		s.logger.Warn("session error", fields...)
	}
}

// Recorder keeps the most recent events in memory.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewRecorder returns a Recorder holding at most limit events; limit <= 0
// keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Record appends e, evicting the oldest event past the limit.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0], r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Filter returns the recorded events of type t, oldest first.
func (r *Recorder) Filter(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
