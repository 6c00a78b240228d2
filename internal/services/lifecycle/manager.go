package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
)

const (
	DefaultRotationInterval = 24 * time.Hour
	DefaultInitialBatch     = 100
	DefaultRotationBatch    = 50

	keyLastRotation = "lifecycle/last-rotation"
	keyActiveSPK    = "lifecycle/active-signed-pre-key"
	keyPreKeyCursor = "lifecycle/pre-key-cursor"
)

// Config tunes rotation.
type Config struct {
	RotationInterval time.Duration
	InitialBatch     int
	RotationBatch    int
}

func (c *Config) defaults() {
	if c.RotationInterval <= 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.InitialBatch <= 0 {
		c.InitialBatch = DefaultInitialBatch
	}
	if c.RotationBatch <= 0 {
		c.RotationBatch = DefaultRotationBatch
	}
}

// Tracker is told about keys entering use and leaving the store.
type Tracker interface {
	Register(ctx context.Context, refs ...domain.KeyRef) error
	MarkDeleted(ctx context.Context, ref domain.KeyRef) error
}

// RotationResult describes what a Rotate call did.
type RotationResult struct {
	Rotated        bool
	SignedPreKeyID domain.KeyID
	NewPreKeys     int
	Deleted        []domain.KeyRef
}

// Manager is safe for concurrent use.
type Manager struct {
	self    domain.PeerID
	store   domain.KeyStore
	dist    domain.KeyDistribution
	tracker Tracker
	auditor domain.Auditor
	clock   clock.Clock
	rand    io.Reader
	logger  *zap.Logger
	cfg     Config

	rotateMu sync.Mutex
	identity atomic.Pointer[domain.Identity]
	active   atomic.Pointer[domain.SignedPreKey]
	last     atomic.Pointer[time.Time]
}

// Option configures a Manager.
type Option func(*Manager)

// WithTracker registers new keys with a forward-secrecy tracker.
func WithTracker(t Tracker) Option { return func(m *Manager) { m.tracker = t } }

// WithAuditor emits key_rotation and key_deletion events.
func WithAuditor(a domain.Auditor) Option { return func(m *Manager) { m.auditor = a } }

// WithClock injects the clock.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithRand injects the randomness source used for key generation.
func WithRand(r io.Reader) Option { return func(m *Manager) { m.rand = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l.Named("lifecycle") } }

// WithConfig overrides the rotation defaults.
func WithConfig(c Config) Option { return func(m *Manager) { m.cfg = c } }

// New returns a manager for the local user self.
func New(self domain.PeerID, store domain.KeyStore, dist domain.KeyDistribution, opts ...Option) *Manager {
	m := &Manager{
		self:   self,
		store:  store,
		dist:   dist,
		clock:  clock.New(),
		rand:   rand.Reader,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.defaults()
	return m
}

// Interval returns the rotation interval.
func (m *Manager) Interval() time.Duration { return m.cfg.RotationInterval }

// ---------- Generation ----------

// GenerateIdentity creates a fresh identity. It does not persist it.
func (m *Manager) GenerateIdentity(_ context.Context) (domain.Identity, error) {
	xPriv, xPub, err := crypto.GenerateX25519From(m.rand)
	if err != nil {
		return domain.Identity{}, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519From(m.rand)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		XPub:      xPub,
		XPriv:     xPriv,
		EdPub:     edPub,
		EdPriv:    edPriv,
		CreatedAt: m.clock.Now().UTC(),
	}, nil
}

// GenerateSignedPreKey creates a pre-key signed by identity. Its id is drawn
// from a 24-bit random space; collisions are not deduplicated.
func (m *Manager) GenerateSignedPreKey(identity domain.Identity) (domain.SignedPreKey, error) {
	priv, pub, err := crypto.GenerateX25519From(m.rand)
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	var idb [4]byte
	if _, err := io.ReadFull(m.rand, idb[1:]); err != nil {
		return domain.SignedPreKey{}, &domain.CryptoProviderError{Op: "signed pre-key id", Err: err}
	}
	return domain.SignedPreKey{
		ID:        domain.KeyID(binary.BigEndian.Uint32(idb[:])),
		Pub:       pub,
		Priv:      priv,
		Signature: crypto.SignEd25519(identity.EdPriv, pub[:]),
		CreatedAt: m.clock.Now().UTC(),
	}, nil
}

// GeneratePreKeyBatch creates n one-time pre-keys. Ids come from a counter
// persisted in the key store, so they never repeat within the live batch.
func (m *Manager) GeneratePreKeyBatch(ctx context.Context, n int) ([]domain.OneTimePreKey, error) {
	cursor, err := m.preKeyCursor(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()
	out := make([]domain.OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519From(m.rand)
		if err != nil {
			return nil, err
		}
		cursor++
		out = append(out, domain.OneTimePreKey{ID: cursor, Pub: pub, Priv: priv, CreatedAt: now})
	}
	if err := m.store.Put(ctx, keyPreKeyCursor, []byte(cursor.String())); err != nil {
		return nil, fmt.Errorf("persist pre-key cursor: %w", err)
	}
	return out, nil
}

func (m *Manager) preKeyCursor(ctx context.Context) (domain.KeyID, error) {
	raw, ok, err := m.store.Get(ctx, keyPreKeyCursor)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("decode pre-key cursor: %w", err)
	}
	return domain.KeyID(n), nil
}

// ---------- Bootstrap & rotation ----------

// Bootstrap loads the identity and active signed pre-key, creating them and
// an initial one-time batch on first run, and publishes the bundle.
//
// Steps:
//  1. Load the identity, or generate and persist one.
//  2. Load the active signed pre-key and last rotation time.
//  3. If there is no active signed pre-key, run a first rotation that also
//     creates the initial one-time batch.
//  4. Publish the bundle to the key-distribution service.
func (m *Manager) Bootstrap(ctx context.Context) (domain.Identity, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()

	id, err := m.store.LoadIdentity(ctx)
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
		if id, err = m.GenerateIdentity(ctx); err != nil {
			return domain.Identity{}, err
		}
		if err := m.store.StoreIdentity(ctx, id); err != nil {
			return domain.Identity{}, fmt.Errorf("store identity: %w", err)
		}
		m.logger.Info("identity created")
	case err != nil:
		return domain.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	m.identity.Store(&id)

	if err := m.loadState(ctx); err != nil {
		return domain.Identity{}, err
	}
	if m.active.Load() == nil {
		if _, err := m.rotateLocked(ctx, m.cfg.InitialBatch); err != nil {
			return domain.Identity{}, err
		}
		return id, nil
	}
	if err := m.Publish(ctx); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

func (m *Manager) loadState(ctx context.Context) error {
	raw, ok, err := m.store.Get(ctx, keyLastRotation)
	if err != nil {
		return fmt.Errorf("load rotation time: %w", err)
	}
	if ok {
		t, err := time.Parse(time.RFC3339Nano, string(raw))
		if err != nil {
			return fmt.Errorf("decode rotation time: %w", err)
		}
		m.last.Store(&t)
	}
	raw, ok, err = m.store.Get(ctx, keyActiveSPK)
	if err != nil || !ok {
		return err
	}
	n, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return fmt.Errorf("decode active signed pre-key: %w", err)
	}
	spk, err := m.store.LoadSignedPreKey(ctx, domain.KeyID(n))
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.active.Store(&spk)
	return nil
}

// Rotate replaces the signed pre-key and tops up one-time pre-keys. It is a
// no-op when the last rotation is less than one interval old.
func (m *Manager) Rotate(ctx context.Context) (RotationResult, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	if last := m.last.Load(); last != nil && m.clock.Now().Sub(*last) < m.cfg.RotationInterval {
		return RotationResult{}, nil
	}
	return m.rotateLocked(ctx, m.cfg.RotationBatch)
}

// ForceRotate rotates regardless of when the last rotation happened.
func (m *Manager) ForceRotate(ctx context.Context) (RotationResult, error) {
	m.rotateMu.Lock()
	defer m.rotateMu.Unlock()
	return m.rotateLocked(ctx, m.cfg.RotationBatch)
}

// rotateLocked must be called with rotateMu held.
//
// Steps:
//  1. Generate and persist a signed pre-key and a batch of one-time pre-keys,
//     registering each with the tracker.
//  2. Switch the active signed pre-key and record the rotation time.
//  3. Securely delete signed pre-keys older than one interval. Deletion
//     failures are logged and audited but do not fail the rotation.
//  4. Publish the new bundle and emit key_rotation.
func (m *Manager) rotateLocked(ctx context.Context, batch int) (RotationResult, error) {
	id, err := m.Identity(ctx)
	if err != nil {
		return RotationResult{}, err
	}
	now := m.clock.Now()

	spk, err := m.GenerateSignedPreKey(id)
	if err != nil {
		return RotationResult{}, err
	}
	if err := m.store.StoreSignedPreKey(ctx, spk); err != nil {
		return RotationResult{}, fmt.Errorf("store signed pre-key: %w", err)
	}
	opks, err := m.GeneratePreKeyBatch(ctx, batch)
	if err != nil {
		return RotationResult{}, err
	}
	refs := make([]domain.KeyRef, 0, len(opks)+1)
	refs = append(refs, domain.KeyRef{Type: domain.KeyTypeSignedPreKey, ID: spk.ID})
	for _, k := range opks {
		if err := m.store.StorePreKey(ctx, k); err != nil {
			return RotationResult{}, fmt.Errorf("store one-time pre-key: %w", err)
		}
		refs = append(refs, domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: k.ID})
	}
	if err := m.register(ctx, refs); err != nil {
		return RotationResult{}, err
	}

	if err := m.store.Put(ctx, keyActiveSPK, []byte(spk.ID.String())); err != nil {
		return RotationResult{}, fmt.Errorf("persist active signed pre-key: %w", err)
	}
	if err := m.store.Put(ctx, keyLastRotation, []byte(now.UTC().Format(time.RFC3339Nano))); err != nil {
		return RotationResult{}, fmt.Errorf("persist rotation time: %w", err)
	}
	m.active.Store(&spk)
	m.last.Store(&now)

	res := RotationResult{Rotated: true, SignedPreKeyID: spk.ID, NewPreKeys: len(opks)}
	old, err := m.store.ListSignedPreKeys(ctx)
	if err != nil {
		return res, fmt.Errorf("list signed pre-keys: %w", err)
	}
	for _, k := range old {
		if k.ID == spk.ID || now.Sub(k.CreatedAt) < m.cfg.RotationInterval {
			continue
		}
		ref := domain.KeyRef{Type: domain.KeyTypeSignedPreKey, ID: k.ID}
		if err := m.SecureDelete(ctx, ref); err != nil {
			m.logger.Warn("superseded signed pre-key not deleted", zap.Uint32("key_id", uint32(k.ID)), zap.Error(err))
			continue
		}
		res.Deleted = append(res.Deleted, ref)
	}

	if err := m.Publish(ctx); err != nil {
		return res, err
	}
	m.logger.Info("keys rotated",
		zap.Uint32("signed_pre_key_id", uint32(spk.ID)),
		zap.Int("one_time_pre_keys", len(opks)),
		zap.Int("deleted", len(res.Deleted)))
	m.audit(ctx, domain.Event{
		Type:  domain.EventKeyRotation,
		KeyID: spk.ID,
		Attrs: map[string]string{"one_time_pre_keys": strconv.Itoa(len(opks))},
	})
	return res, nil
}

// ---------- Deletion ----------

// SecureDelete overwrites, removes and verifies removal of a pre-key.
// A key that is already gone counts as deleted.
func (m *Manager) SecureDelete(ctx context.Context, ref domain.KeyRef) error {
	var err error
	switch ref.Type {
	case domain.KeyTypeSignedPreKey:
		err = m.deleteSignedPreKey(ctx, ref.ID)
	case domain.KeyTypeOneTimePreKey:
		err = m.deletePreKey(ctx, ref.ID)
	default:
		return fmt.Errorf("unknown key type %q", ref.Type)
	}
	if err != nil {
		if errors.Is(err, domain.ErrKeyDeletionVerification) {
			m.audit(ctx, domain.Event{
				Type:   domain.EventKeyDeletionFailed,
				KeyID:  ref.ID,
				Reason: "verification",
				Attrs:  map[string]string{"key_type": string(ref.Type)},
			})
		}
		return fmt.Errorf("secure delete %s: %w", ref, err)
	}
	if m.tracker != nil {
		if err := m.tracker.MarkDeleted(ctx, ref); err != nil {
			return err
		}
	}
	m.audit(ctx, domain.Event{
		Type:  domain.EventKeyDeletion,
		KeyID: ref.ID,
		Attrs: map[string]string{"key_type": string(ref.Type)},
	})
	return nil
}

func (m *Manager) deleteSignedPreKey(ctx context.Context, id domain.KeyID) error {
	k, err := m.store.LoadSignedPreKey(ctx, id)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer k.Priv.Wipe()
	if _, err := io.ReadFull(m.rand, k.Priv[:]); err != nil {
		return &domain.CryptoProviderError{Op: "overwrite signed pre-key", Err: err}
	}
	if _, err := io.ReadFull(m.rand, k.Signature); err != nil {
		return &domain.CryptoProviderError{Op: "overwrite signature", Err: err}
	}
	if err := m.store.StoreSignedPreKey(ctx, k); err != nil {
		return fmt.Errorf("overwrite signed pre-key %d: %w", id, err)
	}
	if err := m.store.RemoveSignedPreKey(ctx, id); err != nil {
		return fmt.Errorf("remove signed pre-key %d: %w", id, err)
	}
	return verifyGone(m.store.LoadSignedPreKey(ctx, id))
}

func (m *Manager) deletePreKey(ctx context.Context, id domain.KeyID) error {
	k, err := m.store.LoadPreKey(ctx, id)
	if errors.Is(err, domain.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer k.Priv.Wipe()
	if _, err := io.ReadFull(m.rand, k.Priv[:]); err != nil {
		return &domain.CryptoProviderError{Op: "overwrite one-time pre-key", Err: err}
	}
	if err := m.store.StorePreKey(ctx, k); err != nil {
		return fmt.Errorf("overwrite one-time pre-key %d: %w", id, err)
	}
	if err := m.store.RemovePreKey(ctx, id); err != nil {
		return fmt.Errorf("remove one-time pre-key %d: %w", id, err)
	}
	return verifyGone(m.store.LoadPreKey(ctx, id))
}

func verifyGone[T any](_ T, err error) error {
	switch {
	case err == nil:
		return domain.ErrKeyDeletionVerification
	case errors.Is(err, domain.ErrKeyNotFound):
		return nil
	default:
		return fmt.Errorf("verify deletion: %w", err)
	}
}

// Retire is the forward-secrecy callback. Retiring the active signed
// pre-key forces a rotation first so one stays active.
func (m *Manager) Retire(ctx context.Context, ref domain.KeyRef) error {
	if ref.Type == domain.KeyTypeSignedPreKey {
		m.rotateMu.Lock()
		if a := m.active.Load(); a != nil && a.ID == ref.ID {
			if _, err := m.rotateLocked(ctx, m.cfg.RotationBatch); err != nil {
				m.rotateMu.Unlock()
				return fmt.Errorf("rotate before retiring active key: %w", err)
			}
		}
		m.rotateMu.Unlock()
	}
	return m.SecureDelete(ctx, ref)
}

// ---------- Accessors ----------

// Identity returns the local identity, loading it on first use.
func (m *Manager) Identity(ctx context.Context) (domain.Identity, error) {
	if id := m.identity.Load(); id != nil {
		return *id, nil
	}
	id, err := m.store.LoadIdentity(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	m.identity.Store(&id)
	return id, nil
}

// ActiveSignedPreKey returns the key currently offered in the bundle.
func (m *Manager) ActiveSignedPreKey() (domain.SignedPreKey, bool) {
	k := m.active.Load()
	if k == nil {
		return domain.SignedPreKey{}, false
	}
	return *k, true
}

// LoadSignedPreKey returns a stored signed pre-key, active or superseded.
func (m *Manager) LoadSignedPreKey(ctx context.Context, id domain.KeyID) (domain.SignedPreKey, error) {
	return m.store.LoadSignedPreKey(ctx, id)
}

// ConsumePreKey hands out a one-time pre-key exactly once: the stored copy
// is securely deleted before the key is returned. Callers wipe the
// returned private key after use.
func (m *Manager) ConsumePreKey(ctx context.Context, id domain.KeyID) (domain.OneTimePreKey, error) {
	k, err := m.store.LoadPreKey(ctx, id)
	if err != nil {
		return domain.OneTimePreKey{}, err
	}
	if err := m.SecureDelete(ctx, domain.KeyRef{Type: domain.KeyTypeOneTimePreKey, ID: id}); err != nil {
		k.Priv.Wipe()
		return domain.OneTimePreKey{}, fmt.Errorf("consume one-time pre-key %d: %w", id, err)
	}
	return k, nil
}

// Bundle assembles the public bundle from current key material.
func (m *Manager) Bundle(ctx context.Context) (domain.PreKeyBundle, error) {
	id, err := m.Identity(ctx)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	spk, ok := m.ActiveSignedPreKey()
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: no active signed pre-key", domain.ErrKeyNotFound)
	}
	opks, err := m.store.ListPreKeys(ctx)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	pubs := make([]domain.OneTimePreKeyPublic, 0, len(opks))
	for _, k := range opks {
		pubs = append(pubs, k.Public())
		k.Priv.Wipe()
	}
	return domain.PreKeyBundle{
		PeerID:                m.self,
		IdentityKey:           id.XPub,
		SigningKey:            id.EdPub,
		IdentityCreatedAt:     id.CreatedAt.Unix(),
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Pub,
		SignedPreKeySignature: spk.Signature,
		OneTimePreKeys:        pubs,
	}, nil
}

// Status reports the rotation schedule.
func (m *Manager) Status(ctx context.Context) domain.RotationStatus {
	st := domain.RotationStatus{Interval: m.cfg.RotationInterval}
	if last := m.last.Load(); last != nil {
		st.LastRotation = *last
		st.NextRotation = last.Add(m.cfg.RotationInterval)
	}
	if k := m.active.Load(); k != nil {
		st.ActiveSignedPreKeyID = k.ID
	}
	if opks, err := m.store.ListPreKeys(ctx); err == nil {
		st.OneTimePreKeys = len(opks)
	}
	return st
}

// Publish pushes the current bundle to the key-distribution service.
func (m *Manager) Publish(ctx context.Context) error {
	if m.dist == nil {
		return nil
	}
	b, err := m.Bundle(ctx)
	if err != nil {
		return err
	}
	if err := m.dist.PublishBundle(ctx, b); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	return nil
}

func (m *Manager) register(ctx context.Context, refs []domain.KeyRef) error {
	if m.tracker == nil || len(refs) == 0 {
		return nil
	}
	if err := m.tracker.Register(ctx, refs...); err != nil {
		return fmt.Errorf("register %d keys: %w", len(refs), err)
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, e domain.Event) {
	if m.auditor == nil {
		return
	}
	e.Time = m.clock.Now()
	m.auditor.Record(ctx, e)
}
