package replay

import (
	"container/list"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"carecrypt/internal/domain"
)

const (
	DefaultCapacity = 1000
	DefaultWindow   = 5 * time.Minute
)

// Rejection reasons.
const (
	ReasonDuplicateMessageID = "duplicate_message_id"
	ReasonDuplicateContent   = "duplicate_content"
	ReasonStaleTimestamp     = "stale_timestamp"
	ReasonFutureTimestamp    = "future_timestamp"
)

// Verdict is the outcome of Check.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Err returns nil for accepted verdicts and a *domain.ReplayDetectedError otherwise.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &domain.ReplayDetectedError{Reason: v.Reason}
}

// Ledger is safe for concurrent use.
type Ledger struct {
	clock    clock.Clock
	window   time.Duration
	capacity int
	auditor  domain.Auditor
	logger   *zap.Logger

	mu        sync.Mutex
	order     *list.List // of *domain.ReplayEntry, oldest first
	byID      map[domain.MessageID]*list.Element
	byContent map[string]*list.Element
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithWindow sets how far an envelope timestamp may be from now.
// Non-positive values keep the default.
func WithWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithCapacity bounds the number of entries kept.
func WithCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithAuditor reports rejections as replay_detected events.
func WithAuditor(a domain.Auditor) Option { return func(l *Ledger) { l.auditor = a } }

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Ledger) { l.logger = lg.Named("replay") } }

// New returns an empty ledger.
func New(clk clock.Clock, opts ...Option) *Ledger {
	l := &Ledger{
		clock:     clk,
		window:    DefaultWindow,
		capacity:  DefaultCapacity,
		logger:    zap.NewNop(),
		order:     list.New(),
		byID:      make(map[domain.MessageID]*list.Element),
		byContent: make(map[string]*list.Element),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ContentHash is the hex BLAKE3 digest of ciphertext‖nonce‖tag.
func ContentHash(env domain.Envelope) string {
	h := blake3.New()
	h.Write(env.Ciphertext)
	h.Write(env.Nonce)
	h.Write(env.AuthTag)
	return hex.EncodeToString(h.Sum(nil))
}

// Check accepts env and records it, or rejects it with a reason.
func (l *Ledger) Check(ctx context.Context, env domain.Envelope) Verdict {
	v := l.check(env)
	if !v.Accepted {
		l.logger.Warn("envelope rejected",
			zap.String("reason", v.Reason),
			zap.String("sender", env.Sender.String()),
			zap.String("message_id", env.ID.String()))
		if l.auditor != nil {
			l.auditor.Record(ctx, domain.Event{
				Type:   domain.EventReplayDetected,
				Time:   l.clock.Now(),
				PeerID: env.Sender,
				Reason: v.Reason,
			})
		}
	}
	return v
}

func (l *Ledger) check(env domain.Envelope) Verdict {
	hash := ContentHash(env)
	now := l.clock.Now()
	sent := time.UnixMilli(env.Timestamp)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[env.ID]; ok {
		return Verdict{Reason: ReasonDuplicateMessageID}
	}
	if _, ok := l.byContent[hash]; ok {
		return Verdict{Reason: ReasonDuplicateContent}
	}
	if now.Sub(sent) > l.window {
		return Verdict{Reason: ReasonStaleTimestamp}
	}
	if sent.Sub(now) > l.window {
		return Verdict{Reason: ReasonFutureTimestamp}
	}

	el := l.order.PushBack(&domain.ReplayEntry{
		MessageID:   env.ID,
		ContentHash: hash,
		SenderID:    env.Sender,
		Timestamp:   env.Timestamp,
		RecordedAt:  now,
	})
	l.byID[env.ID] = el
	l.byContent[hash] = el
	for l.order.Len() > l.capacity {
		l.remove(l.order.Front())
	}
	return Verdict{Accepted: true}
}

// Forget drops id from the ledger. Used when an accepted envelope then
// fails authentication, so a genuine copy is not blocked.
func (l *Ledger) Forget(id domain.MessageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.byID[id]; ok {
		l.remove(el)
	}
}

// Len returns the number of entries held.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *Ledger) remove(el *list.Element) {
	e := l.order.Remove(el).(*domain.ReplayEntry)
	delete(l.byID, e.MessageID)
	delete(l.byContent, e.ContentHash)
}
