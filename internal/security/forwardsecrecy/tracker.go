// Package forwardsecrecy tracks when pre-keys must be destroyed and
// enforces it through the scheduler.
//
// Every signed or one-time pre-key put into use gets a record with a
// scheduled deletion time. When that time comes the tracker asks its
// Retirer to securely delete the key and marks the record deleted only if
// that succeeded. Audit compares deletions made against deletions due.
// Records of deleted keys are kept for a retention window, then dropped.
package forwardsecrecy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"carecrypt/internal/domain"
	"carecrypt/internal/scheduler"
)

const (
	// DefaultLifetime is how long a key lives after activation.
	DefaultLifetime  = 24 * time.Hour
	// DefaultRetention is how long the record of a deleted key is kept.
	DefaultRetention = 7 * 24 * time.Hour
)

const recordsKey = "forward-secrecy/records"

// Retirer destroys a key. Implemented by the lifecycle manager.
type Retirer interface {
	Retire(ctx context.Context, ref domain.KeyRef) error
}

// KV is the slice of the key store the tracker persists through.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Tracker is safe for concurrent use.
type Tracker struct {
	sched     *scheduler.Scheduler
	lifetime  time.Duration
	retention time.Duration
	auditor   domain.Auditor
	store     KV
	logger    *zap.Logger

	// persistMu orders snapshots with their writes.
	persistMu sync.Mutex

	mu      sync.Mutex
	retirer Retirer
	records map[domain.KeyRef]*domain.ForwardSecrecyRecord
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLifetime overrides DefaultLifetime when d is positive.
func WithLifetime(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.lifetime = d
		}
	}
}

// WithRetention overrides DefaultRetention when d is positive.
func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithAuditor reports failed deletions as key_deletion_failed events.
func WithAuditor(a domain.Auditor) Option { return func(t *Tracker) { t.auditor = a } }

// WithStore persists records so pending deletions survive restarts.
func WithStore(kv KV) Option { return func(t *Tracker) { t.store = kv } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.logger = l.Named("forwardsecrecy") } }

// New returns a tracker that schedules deletions on sched.
func New(sched *scheduler.Scheduler, opts ...Option) *Tracker {
	t := &Tracker{
		sched:     sched,
		lifetime:  DefaultLifetime,
		retention: DefaultRetention,
		logger:    zap.NewNop(),
		records:   make(map[domain.KeyRef]*domain.ForwardSecrecyRecord),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// SetRetirer binds the component that performs deletions.
func (t *Tracker) SetRetirer(r Retirer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retirer = r
}

// Register starts tracking refs, activated now, and schedules their
// deletion. The ledger is persisted once for the whole batch.
func (t *Tracker) Register(ctx context.Context, refs ...domain.KeyRef) error {
	if len(refs) == 0 {
		return nil
	}
	now := t.sched.Clock().Now()
	due := now.Add(t.lifetime)
	t.mu.Lock()
	for _, ref := range refs {
		t.records[ref] = &domain.ForwardSecrecyRecord{
			KeyID:               ref.ID,
			KeyType:             ref.Type,
			CreatedAt:           now,
			ScheduledDeletionAt: due,
		}
	}
	t.pruneLocked(now)
	t.mu.Unlock()

	for _, ref := range refs {
		t.schedule(ref, due)
	}
	return t.persist(ctx)
}

// MarkDeleted records that ref was securely deleted and drops its timer.
// Unknown refs are ignored.
func (t *Tracker) MarkDeleted(ctx context.Context, ref domain.KeyRef) error {
	now := t.sched.Clock().Now()
	t.mu.Lock()
	rec, ok := t.records[ref]
	if ok && !rec.Deleted {
		rec.Deleted = true
		rec.DeletedAt = now
	}
	t.pruneLocked(now)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	t.sched.Cancel(taskName(ref))
	return t.persist(ctx)
}

// Audit summarises the ledger at the current clock time.
func (t *Tracker) Audit() domain.ForwardSecrecyReport {
	now := t.sched.Clock().Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var r domain.ForwardSecrecyReport
	for _, rec := range t.records {
		r.TotalKeys++
		if rec.Deleted {
			r.DeletedKeys++
		}
		if !rec.ScheduledDeletionAt.After(now) {
			r.ExpectedDeleted++
		}
	}
	r.Maintained = r.DeletedKeys >= r.ExpectedDeleted
	return r
}

// Records returns every record ordered by scheduled deletion time.
func (t *Tracker) Records() []domain.ForwardSecrecyRecord {
	t.mu.Lock()
	out := make([]domain.ForwardSecrecyRecord, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledDeletionAt.Before(out[j].ScheduledDeletionAt)
	})
	return out
}

// Restore loads persisted records and re-schedules pending deletions.
// Overdue deletions run on the scheduler's next pass.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	raw, ok, err := t.store.Get(ctx, recordsKey)
	if err != nil {
		return fmt.Errorf("load forward-secrecy records: %w", err)
	}
	if !ok {
		return nil
	}
	var recs []domain.ForwardSecrecyRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return fmt.Errorf("decode forward-secrecy records: %w", err)
	}
	var pending []domain.ForwardSecrecyRecord
	t.mu.Lock()
	for i := range recs {
		rec := recs[i]
		t.records[domain.KeyRef{Type: rec.KeyType, ID: rec.KeyID}] = &rec
		if !rec.Deleted {
			pending = append(pending, rec)
		}
	}
	t.pruneLocked(t.sched.Clock().Now())
	t.mu.Unlock()
	for _, rec := range pending {
		t.schedule(domain.KeyRef{Type: rec.KeyType, ID: rec.KeyID}, rec.ScheduledDeletionAt)
	}
	return nil
}

// pruneLocked drops records of keys deleted more than the retention window
// before now. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for ref, rec := range t.records {
		if rec.Deleted && rec.DeletedAt.Before(cutoff) {
			delete(t.records, ref)
		}
	}
}

func (t *Tracker) schedule(ref domain.KeyRef, at time.Time) {
	t.sched.At(taskName(ref), at, func(ctx context.Context) error {
		return t.fire(ctx, ref)
	})
}

func (t *Tracker) fire(ctx context.Context, ref domain.KeyRef) error {
	t.mu.Lock()
	r := t.retirer
	t.mu.Unlock()
	if r == nil {
		return errors.New("forward secrecy: no retirer bound")
	}
	if err := r.Retire(ctx, ref); err != nil {
		t.logger.Warn("scheduled deletion failed", zap.String("key", ref.String()), zap.Error(err))
		if t.auditor != nil {
			t.auditor.Record(ctx, domain.Event{
				Type:   domain.EventKeyDeletionFailed,
				Time:   t.sched.Clock().Now(),
				KeyID:  ref.ID,
				Reason: err.Error(),
				Attrs:  map[string]string{"key_type": string(ref.Type)},
			})
		}
		return err
	}
	return t.MarkDeleted(ctx, ref)
}

// persist writes the current ledger. The snapshot is taken under persistMu
// so a later write never carries an older snapshot.
func (t *Tracker) persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.persistMu.Lock()
	defer t.persistMu.Unlock()
	raw, err := json.Marshal(t.Records())
	if err != nil {
		return err
	}
	if err := t.store.Put(ctx, recordsKey, raw); err != nil {
		return fmt.Errorf("persist forward-secrecy records: %w", err)
	}
	return nil
}

func taskName(ref domain.KeyRef) string { return "forward-secrecy:" + ref.String() }
