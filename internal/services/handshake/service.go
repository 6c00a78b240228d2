package handshake

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
	"carecrypt/internal/protocol/x3dh"
	"carecrypt/internal/security/mitm"
	"carecrypt/internal/wire"
)

const (
	// DefaultPendingTimeout bounds how long an initiation waits for the
	// responder's reply before the handshake counts as failed.
	DefaultPendingTimeout = 30 * time.Second
	// DefaultIdleTimeout is how long a session may go unused before Sweep
	// removes it.
	DefaultIdleTimeout    = 24 * time.Hour
	// DefaultMaxAge is how far an initiation's timestamp may drift from the
	// local clock, in either direction, and still be answered.
	DefaultMaxAge         = 5 * time.Minute

	initiationPrefix = "handshake/initiation/"
)

// ErrNoInitiation is returned by Confirm when no initiation awaits a response.
var ErrNoInitiation = errors.New("no handshake awaiting confirmation")

// Keys is the slice of the lifecycle manager the handshake needs.
type Keys interface {
	Identity(ctx context.Context) (domain.Identity, error)
	LoadSignedPreKey(ctx context.Context, id domain.KeyID) (domain.SignedPreKey, error)
	ConsumePreKey(ctx context.Context, id domain.KeyID) (domain.OneTimePreKey, error)
}

// Verifier decides whether a peer's identity may be trusted.
type Verifier interface {
	CheckKeyExchange(ctx context.Context, kd domain.KeyData, peer domain.PeerID) (mitm.Verdict, error)
}

// Config holds the handshake timeouts.
type Config struct {
	PendingTimeout time.Duration
	IdleTimeout    time.Duration
	MaxAge         time.Duration
}

// initiation is persisted until the responder's reply confirms the session.
type initiation struct {
	Message   domain.HandshakeMessage `json:"message"`
	StartedAt time.Time               `json:"started_at"`
}

// Service runs handshakes for the local user.
type Service struct {
	self      domain.PeerID
	keys      Keys
	store     domain.KeyStore
	dist      domain.KeyDistribution
	transport domain.Transport
	verifier  Verifier
	auditor   domain.Auditor
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config

	mu      sync.Mutex
	pending map[domain.PeerID]time.Time
	done    map[domain.PeerID]bool
}

// Option configures a Service.
type Option func(*Service)

// WithAuditor emits handshake_established events.
func WithAuditor(a domain.Auditor) Option { return func(s *Service) { s.auditor = a } }

// WithClock injects the clock.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l.Named("handshake") } }

// WithConfig overrides the default timeouts.
func WithConfig(c Config) Option { return func(s *Service) { s.cfg = c } }

// New wires the handshake service. transport may be nil, in which case
// handshake messages only travel attached to envelopes.
func New(
	self domain.PeerID,
	keys Keys,
	store domain.KeyStore,
	dist domain.KeyDistribution,
	transport domain.Transport,
	verifier Verifier,
	opts ...Option,
) *Service {
	s := &Service{
		self:      self,
		keys:      keys,
		store:     store,
		dist:      dist,
		transport: transport,
		verifier:  verifier,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		pending:   make(map[domain.PeerID]time.Time),
		done:      make(map[domain.PeerID]bool),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.PendingTimeout <= 0 {
		s.cfg.PendingTimeout = DefaultPendingTimeout
	}
	if s.cfg.IdleTimeout <= 0 {
		s.cfg.IdleTimeout = DefaultIdleTimeout
	}
	if s.cfg.MaxAge <= 0 {
		s.cfg.MaxAge = DefaultMaxAge
	}
	return s
}

// State reports the handshake state for peer.
func (s *Service) State(peer domain.PeerID) domain.HandshakeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if started, ok := s.pending[peer]; ok && s.clock.Since(started) < s.cfg.PendingTimeout {
		return domain.HandshakePending
	}
	if s.done[peer] {
		return domain.HandshakeEstablished
	}
	return domain.HandshakeNone
}

// Initiate runs the initiator side of X3DH with peer.
//
// Steps:
//  1. Mark the peer PENDING, failing if a handshake is already pending.
//  2. Fetch the peer's bundle and check its identity and signed pre-key
//     signature with the verifier.
//  3. Derive the session keys from a fresh ephemeral key and persist the
//     session together with the initiation message.
//  4. Send the initiation message. A send failure is logged only: the
//     message also rides on every envelope until the session is confirmed.
func (s *Service) Initiate(ctx context.Context, peer domain.PeerID) (domain.Session, domain.HandshakeMessage, error) {
	if err := s.begin(peer); err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, err
	}
	ok := false
	defer func() { s.end(peer, ok) }()

	id, err := s.keys.Identity(ctx)
	if err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, err
	}
	bundle, err := s.dist.FetchBundle(ctx, peer)
	if err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, fmt.Errorf("fetch bundle for %s: %w", peer, err)
	}
	kd := mitm.IdentityKeyData(bundle.IdentityKey, bundle.SigningKey, bundle.IdentityCreatedAt,
		bundle.SignedPreKeySignature, bundle.SignedPreKey[:])
	if err := s.verify(ctx, kd, peer); err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, err
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, err
	}
	defer ephPriv.Wipe()

	var opk *domain.X25519Public
	var opkID domain.KeyID
	if len(bundle.OneTimePreKeys) > 0 {
		opk = &bundle.OneTimePreKeys[0].Pub
		opkID = bundle.OneTimePreKeys[0].ID
	}
	keys, err := x3dh.InitiatorKeys(id.XPriv, ephPriv, bundle.IdentityKey, bundle.SignedPreKey, opk)
	if err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, err
	}

	now := s.clock.Now()
	session := domain.Session{
		ID:                domain.SessionID(uuid.NewString()),
		PeerID:            peer,
		Role:              domain.RoleInitiator,
		RootKey:           keys.Root,
		SendingChainKey:   keys.Sending,
		ReceivingChainKey: keys.Receiving,
		LocalIdentity:     id.XPub,
		PeerIdentity:      bundle.IdentityKey,
		EstablishedAt:     now,
		LastActivityAt:    now,
	}
	msg := domain.HandshakeMessage{
		Kind:              domain.HandshakeInit,
		SessionID:         session.ID,
		Sender:            s.self,
		Recipient:         peer,
		IdentityKey:       id.XPub,
		SigningKey:        id.EdPub,
		IdentityCreatedAt: id.CreatedAt.Unix(),
		EphemeralKey:      ephPub,
		SignedPreKeyID:    bundle.SignedPreKeyID,
		OneTimePreKeyID:   opkID,
		HasOneTimePreKey:  opk != nil,
		Timestamp:         now.UnixMilli(),
	}
	msg.IdentitySignature = crypto.SignEd25519(id.EdPriv, SignedPayload(msg))

	if err := s.store.StoreSession(ctx, session); err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, fmt.Errorf("store session: %w", err)
	}
	if err := s.saveInitiation(ctx, peer, initiation{Message: msg, StartedAt: now}); err != nil {
		return domain.Session{}, domain.HandshakeMessage{}, err
	}
	ok = true

	s.send(ctx, peer, msg)
	s.established(ctx, session)
	return session, msg, nil
}

// Respond runs the responder side for an initiation message. A message for
// a session that already exists returns that session unchanged.
//
// Steps:
//  1. Reject initiations outside the clock window, then check the
//     initiator's identity and message signature.
//  2. Arbitrate against the session we already hold with the peer. When
//     both sides initiated at once, the initiation from the lower peer ID
//     wins and the other side drops its own.
//  3. Load the signed pre-key and consume the one-time pre-key it names.
//  4. Derive and persist the session.
//  5. Reply with a fresh ephemeral key.
func (s *Service) Respond(ctx context.Context, msg domain.HandshakeMessage) (domain.Session, error) {
	if msg.Kind != domain.HandshakeInit || msg.Recipient != s.self || msg.SessionID == "" || missingKeys(msg) {
		return domain.Session{}, fmt.Errorf("%w: unexpected handshake message", domain.ErrMalformedEnvelope)
	}
	peer := msg.Sender
	existing, err := s.store.LoadSession(ctx, peer)
	switch {
	case err == nil && existing.ID == msg.SessionID:
		return existing, nil
	case err != nil && !errors.Is(err, domain.ErrKeyNotFound):
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	hasSession := err == nil

	sent := time.UnixMilli(msg.Timestamp)
	if age := s.clock.Since(sent); age > s.cfg.MaxAge || age < -s.cfg.MaxAge {
		return domain.Session{}, fmt.Errorf("%w: initiation from %s is %s off the local clock", domain.ErrHandshakeExpired, peer, age)
	}

	kd := mitm.IdentityKeyData(msg.IdentityKey, msg.SigningKey, msg.IdentityCreatedAt,
		msg.IdentitySignature, SignedPayload(msg))
	if len(kd.Signature) == 0 {
		return domain.Session{}, &domain.MITMDetectedError{Peer: peer, Reason: mitm.ReasonInvalidSignature}
	}
	if err := s.verify(ctx, kd, peer); err != nil {
		return domain.Session{}, err
	}

	crossed := false
	if hasSession {
		if crossed, err = s.arbitrate(ctx, existing, msg); err != nil {
			return domain.Session{}, err
		}
	}

	id, err := s.keys.Identity(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	spk, err := s.keys.LoadSignedPreKey(ctx, msg.SignedPreKeyID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("signed pre-key %d: %w", msg.SignedPreKeyID, err)
	}
	defer spk.Priv.Wipe()

	var opk *domain.X25519Private
	if msg.HasOneTimePreKey {
		k, err := s.keys.ConsumePreKey(ctx, msg.OneTimePreKeyID)
		if err != nil {
			return domain.Session{}, fmt.Errorf("one-time pre-key %d: %w", msg.OneTimePreKeyID, err)
		}
		defer k.Priv.Wipe()
		opk = &k.Priv
	}

	keys, err := x3dh.ResponderKeys(id.XPriv, spk.Priv, opk, msg.IdentityKey, msg.EphemeralKey)
	if err != nil {
		return domain.Session{}, err
	}
	now := s.clock.Now()
	session := domain.Session{
		ID:                msg.SessionID,
		PeerID:            peer,
		Role:              domain.RoleResponder,
		RootKey:           keys.Root,
		SendingChainKey:   keys.Sending,
		ReceivingChainKey: keys.Receiving,
		LocalIdentity:     id.XPub,
		PeerIdentity:      msg.IdentityKey,
		PeerEphemeral:     msg.EphemeralKey,
		Confirmed:         true,
		EstablishedAt:     now,
		LastActivityAt:    now,
	}
	if err := s.store.StoreSession(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("store session: %w", err)
	}
	if crossed {
		s.dropInitiation(ctx, peer)
		s.logger.Info("crossed initiation yielded", zap.String("peer", peer.String()))
	}
	s.mu.Lock()
	s.done[peer] = true
	s.mu.Unlock()

	_, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Session{}, err
	}
	reply := domain.HandshakeMessage{
		Kind:              domain.HandshakeResponse,
		SessionID:         session.ID,
		Sender:            s.self,
		Recipient:         peer,
		IdentityKey:       id.XPub,
		SigningKey:        id.EdPub,
		IdentityCreatedAt: id.CreatedAt.Unix(),
		EphemeralKey:      ephPub,
		Timestamp:         now.UnixMilli(),
	}
	reply.IdentitySignature = crypto.SignEd25519(id.EdPriv, SignedPayload(reply))
	s.send(ctx, peer, reply)
	s.established(ctx, session)
	return session, nil
}

// Confirm completes the initiator side with the responder's reply.
func (s *Service) Confirm(ctx context.Context, msg domain.HandshakeMessage) (domain.Session, error) {
	if msg.Kind != domain.HandshakeResponse || msg.Recipient != s.self || missingKeys(msg) {
		return domain.Session{}, fmt.Errorf("%w: unexpected handshake message", domain.ErrMalformedEnvelope)
	}
	peer := msg.Sender
	rec, ok, err := s.loadInitiation(ctx, peer)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok || rec.Message.SessionID != msg.SessionID {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrNoInitiation, peer)
	}
	if s.clock.Since(rec.StartedAt) > s.cfg.PendingTimeout {
		s.dropInitiation(ctx, peer)
		return domain.Session{}, fmt.Errorf("%w: response from %s after %s", domain.ErrHandshakeExpired, peer, s.cfg.PendingTimeout)
	}

	kd := mitm.IdentityKeyData(msg.IdentityKey, msg.SigningKey, msg.IdentityCreatedAt,
		msg.IdentitySignature, SignedPayload(msg))
	if len(kd.Signature) == 0 {
		return domain.Session{}, &domain.MITMDetectedError{Peer: peer, Reason: mitm.ReasonInvalidSignature}
	}
	if err := s.verify(ctx, kd, peer); err != nil {
		return domain.Session{}, err
	}

	session, err := s.store.LoadSession(ctx, peer)
	if err != nil {
		return domain.Session{}, err
	}
	if session.ID != msg.SessionID {
		return domain.Session{}, fmt.Errorf("%w: %s", ErrNoInitiation, peer)
	}
	session.Confirmed = true
	session.PeerEphemeral = msg.EphemeralKey
	if err := s.store.StoreSession(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("store session: %w", err)
	}
	s.dropInitiation(ctx, peer)
	s.logger.Debug("session confirmed", zap.String("peer", peer.String()))
	return session, nil
}

// arbitrate decides whether msg may replace the session cur held with the
// same peer. It reports whether our own initiation must be dropped.
func (s *Service) arbitrate(ctx context.Context, cur domain.Session, msg domain.HandshakeMessage) (bool, error) {
	peer := msg.Sender
	if cur.Role == domain.RoleInitiator && !cur.Confirmed {
		rec, ok, err := s.loadInitiation(ctx, peer)
		if err != nil {
			return false, err
		}
		if ok && rec.Message.SessionID == cur.ID && s.clock.Since(rec.StartedAt) <= s.cfg.PendingTimeout {
			if s.self < peer {
				return false, fmt.Errorf("%w with %s: crossed initiation loses to ours", domain.ErrHandshakeInProgress, peer)
			}
			return true, nil
		}
		if ok {
			return true, nil
		}
	}
	if msg.Timestamp < cur.EstablishedAt.UnixMilli() {
		return false, fmt.Errorf("%w: initiation from %s predates session %s", domain.ErrHandshakeExpired, peer, cur.ID)
	}
	return false, nil
}

// PendingInitiation returns the initiation message to attach to envelopes
// for peer while the session is unconfirmed.
func (s *Service) PendingInitiation(ctx context.Context, peer domain.PeerID) (*domain.HandshakeMessage, error) {
	rec, ok, err := s.loadInitiation(ctx, peer)
	if err != nil || !ok {
		return nil, err
	}
	return &rec.Message, nil
}

// Sweep removes sessions idle for longer than the idle timeout and
// returns how many it removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range sessions {
		if s.clock.Since(sess.LastActivityAt) <= s.cfg.IdleTimeout {
			continue
		}
		if err := s.store.RemoveSession(ctx, sess.PeerID); err != nil {
			return n, fmt.Errorf("remove idle session: %w", err)
		}
		s.dropInitiation(ctx, sess.PeerID)
		s.mu.Lock()
		delete(s.done, sess.PeerID)
		s.mu.Unlock()
		n++
	}
	if n > 0 {
		s.logger.Info("idle sessions removed", zap.Int("count", n))
	}
	return n, nil
}

// SignedPayload is the byte string a handshake's IdentitySignature covers.
// Every field except the signature itself is included.
func SignedPayload(m domain.HandshakeMessage) []byte {
	var b []byte
	field := func(p []byte) {
		b = binary.BigEndian.AppendUint32(b, uint32(len(p)))
		b = append(b, p...)
	}
	field([]byte("carecrypt|handshake"))
	field([]byte(m.Kind))
	field([]byte(m.SessionID))
	field([]byte(m.Sender))
	field([]byte(m.Recipient))
	field(m.IdentityKey[:])
	field(m.SigningKey[:])
	field(m.EphemeralKey[:])
	b = binary.BigEndian.AppendUint64(b, uint64(m.IdentityCreatedAt))
	b = binary.BigEndian.AppendUint32(b, uint32(m.SignedPreKeyID))
	b = binary.BigEndian.AppendUint32(b, uint32(m.OneTimePreKeyID))
	if m.HasOneTimePreKey {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = binary.BigEndian.AppendUint64(b, uint64(m.Timestamp))
	return b
}

func (s *Service) begin(peer domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if started, ok := s.pending[peer]; ok && s.clock.Since(started) < s.cfg.PendingTimeout {
		return fmt.Errorf("%w with %s", domain.ErrHandshakeInProgress, peer)
	}
	s.pending[peer] = s.clock.Now()
	return nil
}

func (s *Service) end(peer domain.PeerID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, peer)
	if ok {
		s.done[peer] = true
	}
}

func (s *Service) verify(ctx context.Context, kd domain.KeyData, peer domain.PeerID) error {
	v, err := s.verifier.CheckKeyExchange(ctx, kd, peer)
	if err != nil {
		return err
	}
	if err := v.Err(peer); err != nil {
		s.logger.Warn("peer identity rejected", zap.String("peer", peer.String()), zap.String("reason", v.Reason))
		return err
	}
	return nil
}

func missingKeys(m domain.HandshakeMessage) bool {
	return m.IdentityKey.IsZero() || m.SigningKey.IsZero() || m.EphemeralKey.IsZero()
}

func (s *Service) send(ctx context.Context, peer domain.PeerID, msg domain.HandshakeMessage) {
	if s.transport == nil {
		return
	}
	if _, err := s.transport.Send(ctx, peer, wire.HandshakeFrame(msg)); err != nil {
		s.logger.Warn("handshake message not sent",
			zap.String("peer", peer.String()), zap.String("kind", string(msg.Kind)), zap.Error(err))
	}
}

func (s *Service) established(ctx context.Context, session domain.Session) {
	s.logger.Info("session established",
		zap.String("peer", session.PeerID.String()), zap.String("role", string(session.Role)))
	if s.auditor != nil {
		s.auditor.Record(ctx, domain.Event{
			Type:   domain.EventHandshakeEstablished,
			Time:   s.clock.Now(),
			PeerID: session.PeerID,
			Attrs:  map[string]string{"role": string(session.Role), "session_id": session.ID.String()},
		})
	}
}

func (s *Service) saveInitiation(ctx context.Context, peer domain.PeerID, rec initiation) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, initiationPrefix+peer.String(), raw); err != nil {
		return fmt.Errorf("persist initiation: %w", err)
	}
	return nil
}

func (s *Service) loadInitiation(ctx context.Context, peer domain.PeerID) (initiation, bool, error) {
	raw, ok, err := s.store.Get(ctx, initiationPrefix+peer.String())
	if err != nil || !ok || len(raw) == 0 {
		return initiation{}, false, err
	}
	var rec initiation
	if err := json.Unmarshal(raw, &rec); err != nil {
		return initiation{}, false, fmt.Errorf("decode initiation: %w", err)
	}
	return rec, true, nil
}

func (s *Service) dropInitiation(ctx context.Context, peer domain.PeerID) {
	if err := s.store.Put(ctx, initiationPrefix+peer.String(), nil); err != nil {
		s.logger.Warn("initiation not cleared", zap.String("peer", peer.String()), zap.Error(err))
	}
}
