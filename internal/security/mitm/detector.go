package mitm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
)

// MaxRecords is the number of pinned fingerprints kept per peer.
const MaxRecords = 5

const recordsKey = "mitm/verification-records"

// Rejection reasons.
const (
	ReasonUnknownFingerprint = "unknown_key_fingerprint"
	ReasonInvalidSignature   = "invalid_key_signature"
	ReasonManualVerification = "manual_verification_failed"
)

// Verdict is the outcome of CheckKeyExchange.
type Verdict struct {
	Trusted     bool
	Reason      string
	Fingerprint domain.Fingerprint
	FirstUse    bool
}

// KV is the slice of the key store the detector persists through.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Detector is safe for concurrent use.
type Detector struct {
	clock     clock.Clock
	confirmer domain.Confirmer
	auditor   domain.Auditor
	store     KV
	logger    *zap.Logger

	mu       sync.Mutex
	loaded   bool
	records  map[domain.PeerID][]domain.KeyVerification
	attempts map[domain.PeerID]int
}

// Option configures a Detector.
type Option func(*Detector)

// WithAuditor reports rejections as mitm_detected events.
func WithAuditor(a domain.Auditor) Option { return func(d *Detector) { d.auditor = a } }

// WithStore persists pinned fingerprints.
func WithStore(kv KV) Option { return func(d *Detector) { d.store = kv } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Detector) { d.logger = l.Named("mitm") } }

// New returns a detector that asks confirmer before trusting a first key.
// A nil confirmer denies every first use.
func New(clk clock.Clock, confirmer domain.Confirmer, opts ...Option) *Detector {
	d := &Detector{
		clock:     clk,
		confirmer: confirmer,
		logger:    zap.NewNop(),
		records:   make(map[domain.PeerID][]domain.KeyVerification),
		attempts:  make(map[domain.PeerID]int),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Err converts a rejected verdict into an error for peer.
func (v Verdict) Err(peer domain.PeerID) error {
	switch {
	case v.Trusted:
		return nil
	case v.Reason == ReasonManualVerification:
		return fmt.Errorf("%s: %w", peer, domain.ErrManualVerificationFailed)
	default:
		return &domain.MITMDetectedError{Peer: peer, Reason: v.Reason}
	}
}

// IdentityKeyData describes a peer's long-term identity for pinning. The
// fingerprint covers both identity keys and the identity creation time, so
// it stays stable across pre-key rotations.
func IdentityKeyData(xpub domain.X25519Public, edpub domain.Ed25519Public, createdAt int64, sig, signed []byte) domain.KeyData {
	pub := make([]byte, 0, 64)
	pub = append(pub, xpub[:]...)
	pub = append(pub, edpub[:]...)
	return domain.KeyData{
		PublicKey:     pub,
		KeyID:         0,
		Timestamp:     createdAt,
		Signature:     sig,
		SignedMessage: signed,
		SigningKey:    edpub,
	}
}

// Fingerprint returns the pinning fingerprint of kd.
func Fingerprint(kd domain.KeyData) domain.Fingerprint {
	return crypto.KeyFingerprint(kd.PublicKey, kd.KeyID, kd.Timestamp)
}

// CheckKeyExchange decides whether kd may be trusted as peer's key.
func (d *Detector) CheckKeyExchange(ctx context.Context, kd domain.KeyData, peer domain.PeerID) (Verdict, error) {
	fp := Fingerprint(kd)
	if len(kd.Signature) > 0 {
		msg := kd.SignedMessage
		if len(msg) == 0 {
			msg = kd.PublicKey
		}
		if !crypto.VerifyEd25519(kd.SigningKey, msg, kd.Signature) {
			return d.reject(ctx, peer, fp, ReasonInvalidSignature), nil
		}
	}
	if err := d.ensureLoaded(ctx); err != nil {
		return Verdict{}, err
	}

	d.mu.Lock()
	known := len(d.records[peer]) > 0
	d.mu.Unlock()

	if !known {
		ok, err := d.confirm(ctx, peer, fp)
		if err != nil {
			return Verdict{}, err
		}
		if !ok {
			d.logger.Warn("first-use key not confirmed", zap.String("peer", peer.String()))
			return Verdict{Reason: ReasonManualVerification, Fingerprint: fp, FirstUse: true}, nil
		}
	}

	d.mu.Lock()
	recs := d.records[peer]
	switch {
	case len(recs) == 0:
		d.appendLocked(peer, domain.KeyVerification{
			Fingerprint: fp, KeyID: kd.KeyID, VerifiedAt: d.clock.Now(), Method: domain.VerifiedTrustOnFirstUse,
		})
	case indexOf(recs, fp) >= 0:
		recs[indexOf(recs, fp)].VerifiedAt = d.clock.Now()
	default:
		d.mu.Unlock()
		return d.reject(ctx, peer, fp, ReasonUnknownFingerprint), nil
	}
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	if err := d.persist(ctx, snapshot); err != nil {
		return Verdict{}, err
	}
	return Verdict{Trusted: true, Fingerprint: fp, FirstUse: !known}, nil
}

// Reverify pins kd for peer after explicit out-of-band verification,
// whether or not the peer already has pinned keys.
func (d *Detector) Reverify(ctx context.Context, kd domain.KeyData, peer domain.PeerID) (domain.Fingerprint, error) {
	if len(kd.Signature) > 0 {
		msg := kd.SignedMessage
		if len(msg) == 0 {
			msg = kd.PublicKey
		}
		if !crypto.VerifyEd25519(kd.SigningKey, msg, kd.Signature) {
			return "", &domain.MITMDetectedError{Peer: peer, Reason: ReasonInvalidSignature}
		}
	}
	fp := Fingerprint(kd)
	return fp, d.Pin(ctx, peer, fp, kd.KeyID)
}

// Pin records fp for peer as verified out of band.
func (d *Detector) Pin(ctx context.Context, peer domain.PeerID, fp domain.Fingerprint, keyID domain.KeyID) error {
	if err := d.ensureLoaded(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	if i := indexOf(d.records[peer], fp); i >= 0 {
		d.records[peer][i].VerifiedAt = d.clock.Now()
		d.records[peer][i].Method = domain.VerifiedOutOfBand
	} else {
		d.appendLocked(peer, domain.KeyVerification{
			Fingerprint: fp, KeyID: keyID, VerifiedAt: d.clock.Now(), Method: domain.VerifiedOutOfBand,
		})
	}
	snapshot := d.snapshotLocked()
	d.mu.Unlock()
	d.logger.Info("fingerprint pinned", zap.String("peer", peer.String()))
	return d.persist(ctx, snapshot)
}

// Load reads persisted verification records. Other methods load lazily;
// call Load before Records in a fresh process.
func (d *Detector) Load(ctx context.Context) error { return d.ensureLoaded(ctx) }

// Records returns peer's pinned fingerprints, oldest first.
func (d *Detector) Records(peer domain.PeerID) []domain.KeyVerification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.KeyVerification(nil), d.records[peer]...)
}

// Attempts returns how many keys for peer were rejected as suspicious.
func (d *Detector) Attempts(peer domain.PeerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[peer]
}

func (d *Detector) confirm(ctx context.Context, peer domain.PeerID, fp domain.Fingerprint) (bool, error) {
	if d.confirmer == nil {
		return false, nil
	}
	ok, err := d.confirmer.ConfirmFirstUse(ctx, peer, fp)
	if err != nil {
		return false, fmt.Errorf("confirm first use: %w", err)
	}
	return ok, nil
}

func (d *Detector) reject(ctx context.Context, peer domain.PeerID, fp domain.Fingerprint, reason string) Verdict {
	d.mu.Lock()
	d.attempts[peer]++
	n := d.attempts[peer]
	d.mu.Unlock()

	d.logger.Warn("suspicious key exchange",
		zap.String("peer", peer.String()),
		zap.String("reason", reason),
		zap.Int("attempts", n))
	if d.auditor != nil {
		d.auditor.Record(ctx, domain.Event{
			Type:   domain.EventMITMDetected,
			Time:   d.clock.Now(),
			PeerID: peer,
			Reason: reason,
		})
	}
	return Verdict{Reason: reason, Fingerprint: fp}
}

func (d *Detector) appendLocked(peer domain.PeerID, rec domain.KeyVerification) {
	recs := append(d.records[peer], rec)
	if len(recs) > MaxRecords {
		recs = append([]domain.KeyVerification(nil), recs[len(recs)-MaxRecords:]...)
	}
	d.records[peer] = recs
}

func (d *Detector) snapshotLocked() map[domain.PeerID][]domain.KeyVerification {
	out := make(map[domain.PeerID][]domain.KeyVerification, len(d.records))
	for p, recs := range d.records {
		out[p] = append([]domain.KeyVerification(nil), recs...)
	}
	return out
}

func (d *Detector) ensureLoaded(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded || d.store == nil {
		d.loaded = true
		return nil
	}
	raw, ok, err := d.store.Get(ctx, recordsKey)
	if err != nil {
		return fmt.Errorf("load verification records: %w", err)
	}
	if ok {
		var recs map[domain.PeerID][]domain.KeyVerification
		if err := json.Unmarshal(raw, &recs); err != nil {
			return fmt.Errorf("decode verification records: %w", err)
		}
		for p, r := range recs {
			d.records[p] = r
		}
	}
	d.loaded = true
	return nil
}

func (d *Detector) persist(ctx context.Context, recs map[domain.PeerID][]domain.KeyVerification) error {
	if d.store == nil {
		return nil
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	if err := d.store.Put(ctx, recordsKey, raw); err != nil {
		return fmt.Errorf("persist verification records: %w", err)
	}
	return nil
}

func indexOf(recs []domain.KeyVerification, fp domain.Fingerprint) int {
	for i, r := range recs {
		if r.Fingerprint == fp {
			return i
		}
	}
	return -1
}
