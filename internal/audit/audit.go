// Package audit provides Auditor implementations for PHI-free security events.
package audit

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"carecrypt/internal/domain"
)

var (
	_ domain.Auditor = (*ZapSink)(nil)
	_ domain.Auditor = (*Recorder)(nil)
	_ domain.Auditor = Multi(nil)
	_ domain.Auditor = Nop{}
)

// ZapSink writes events as structured log lines.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink logs events under the "audit" logger name.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

// Record logs event at info level, or warn for security detections.
func (s *ZapSink) Record(_ context.Context, e domain.Event) {
	fields := []zap.Field{
		zap.String("event", string(e.Type)),
		zap.Time("at", e.Time),
	}
	if e.PeerID != "" {
		fields = append(fields, zap.String("peer", e.PeerID.String()))
	}
	if e.KeyID != 0 {
		fields = append(fields, zap.Uint32("key_id", uint32(e.KeyID)))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	for k, v := range e.Attrs {
		fields = append(fields, zap.String(k, v))
	}
	switch e.Type {
	case domain.EventReplayDetected, domain.EventMITMDetected,
		domain.EventKeyDeletionFailed, domain.EventZeroKnowledgeViolation:
		s.logger.Warn("security event", fields...)
	default:
		s.logger.Info("security event", fields...)
	}
}

// Recorder keeps events in memory. Handy in tests.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

// Record appends e.
func (r *Recorder) Record(_ context.Context, e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Multi fans an event out to several auditors.
type Multi []domain.Auditor

// Record forwards e to every auditor.
func (m Multi) Record(ctx context.Context, e domain.Event) {
	for _, a := range m {
		a.Record(ctx, e)
	}
}

// Nop discards events.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, domain.Event) {}
