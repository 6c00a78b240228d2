package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"carecrypt/internal/audit"
	"carecrypt/internal/domain"
	"carecrypt/internal/scheduler"
	"carecrypt/internal/security/forwardsecrecy"
	"carecrypt/internal/security/mitm"
	"carecrypt/internal/security/replay"
	"carecrypt/internal/security/zeroknowledge"
	"carecrypt/internal/services/envelope"
	"carecrypt/internal/services/handshake"
	"carecrypt/internal/services/lifecycle"
)

const (
	// DefaultSweepInterval is how often idle sessions are swept.
	DefaultSweepInterval = time.Hour

	rotationRetry = 10 * time.Minute

	taskRotation = "key-rotation"
	taskSweep    = "session-sweep"
	taskPublish  = "bundle-publish"
)

// Config carries the tunables. Zero values take the package defaults.
type Config struct {
	Self             domain.PeerID
	RotationInterval time.Duration
	KeyLifetime      time.Duration
	InitialBatch     int
	RotationBatch    int
	ReplayWindow     time.Duration
	ReplayCapacity   int
	PendingTimeout   time.Duration
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
}

// Deps are the collaborators supplied by the host application.
type Deps struct {
	Store     domain.KeyStore
	Directory domain.KeyDistribution
	Transport domain.Transport
	Confirmer domain.Confirmer
	Auditor   domain.Auditor
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	self   domain.PeerID
	store  domain.KeyStore
	tport  domain.Transport
	clock  clock.Clock
	logger *zap.Logger
	cfg    Config

	sched     *scheduler.Scheduler
	keys      *lifecycle.Manager
	handshake *handshake.Service
	codec     *envelope.Codec
	replay    *replay.Ledger
	mitm      *mitm.Detector
	zk        *zeroknowledge.Validator
	fs        *forwardsecrecy.Tracker
}

// New builds the engine and its components. Call Start before use.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Self == "" {
		return nil, errors.New("engine: local peer id required")
	}
	if deps.Store == nil || deps.Directory == nil {
		return nil, errors.New("engine: key store and key distribution required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Auditor == nil {
		deps.Auditor = audit.Nop{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	log := deps.Logger.With(zap.String("self", cfg.Self.String()))

	sched := scheduler.New(deps.Clock, scheduler.WithLogger(log))
	fs := forwardsecrecy.New(sched,
		forwardsecrecy.WithLifetime(cfg.KeyLifetime),
		forwardsecrecy.WithAuditor(deps.Auditor),
		forwardsecrecy.WithStore(deps.Store),
		forwardsecrecy.WithLogger(log))
	keys := lifecycle.New(cfg.Self, deps.Store, deps.Directory,
		lifecycle.WithTracker(fs),
		lifecycle.WithAuditor(deps.Auditor),
		lifecycle.WithClock(deps.Clock),
		lifecycle.WithLogger(log),
		lifecycle.WithConfig(lifecycle.Config{
			RotationInterval: cfg.RotationInterval,
			InitialBatch:     cfg.InitialBatch,
			RotationBatch:    cfg.RotationBatch,
		}))
	det := mitm.New(deps.Clock, deps.Confirmer,
		mitm.WithAuditor(deps.Auditor),
		mitm.WithStore(deps.Store),
		mitm.WithLogger(log))
	hs := handshake.New(cfg.Self, keys, deps.Store, deps.Directory, deps.Transport, det,
		handshake.WithAuditor(deps.Auditor),
		handshake.WithClock(deps.Clock),
		handshake.WithLogger(log),
		handshake.WithConfig(handshake.Config{
			PendingTimeout: cfg.PendingTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxAge:         cfg.ReplayWindow,
		}))
	rp := replay.New(deps.Clock,
		replay.WithWindow(cfg.ReplayWindow),
		replay.WithCapacity(cfg.ReplayCapacity),
		replay.WithAuditor(deps.Auditor),
		replay.WithLogger(log))
	zk := zeroknowledge.New(
		zeroknowledge.WithAuditor(deps.Auditor, deps.Clock),
		zeroknowledge.WithLogger(log))

	e := &Engine{
		self:      cfg.Self,
		store:     deps.Store,
		tport:     deps.Transport,
		clock:     deps.Clock,
		logger:    log.Named("engine"),
		cfg:       cfg,
		sched:     sched,
		keys:      keys,
		handshake: hs,
		codec:     envelope.New(deps.Clock),
		replay:    rp,
		mitm:      det,
		zk:        zk,
		fs:        fs,
	}
	fs.SetRetirer(retirer{e})
	return e, nil
}

// retirer deletes keys for the forward-secrecy tracker and queues one
// bundle publish per scheduler pass, so peers stop fetching deleted
// one-time pre-keys.
type retirer struct{ e *Engine }

func (r retirer) Retire(ctx context.Context, ref domain.KeyRef) error {
	if err := r.e.keys.Retire(ctx, ref); err != nil {
		return err
	}
	r.e.sched.At(taskPublish, r.e.clock.Now(), r.e.keys.Publish)
	return nil
}

// Start loads persisted forward-secrecy and verification records,
// bootstraps key material and schedules rotation and the idle-session sweep.
// Rotation is scheduled from the persisted last rotation, so a rotation
// missed while the process was down runs on the first Tick. The sweep runs
// on the first Tick too.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.fs.Restore(ctx); err != nil {
		return err
	}
	if err := e.mitm.Load(ctx); err != nil {
		return err
	}
	if _, err := e.keys.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap keys: %w", err)
	}
	next := e.keys.Status(ctx).NextRotation
	if next.IsZero() {
		next = e.clock.Now().Add(e.keys.Interval())
	}
	e.scheduleRotation(next)
	e.sched.EveryFrom(taskSweep, e.clock.Now(), e.cfg.SweepInterval, func(ctx context.Context) error {
		_, err := e.handshake.Sweep(ctx)
		return err
	})
	e.logger.Info("engine started")
	return nil
}

// scheduleRotation queues a rotation at at. Each run re-arms for the time
// the lifecycle manager reports next, so manual rotations move the schedule
// too. A failed rotation is retried after rotationRetry.
func (e *Engine) scheduleRotation(at time.Time) {
	e.sched.At(taskRotation, at, func(ctx context.Context) error {
		_, err := e.keys.Rotate(ctx)
		next := e.keys.Status(ctx).NextRotation
		if now := e.clock.Now(); !next.After(now) {
			next = now.Add(rotationRetry)
		}
		e.scheduleRotation(next)
		return err
	})
}

// Run drives scheduled work until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error { return e.sched.Run(ctx) }

// Tick runs every scheduled task that is due now and returns how many ran.
func (e *Engine) Tick(ctx context.Context) int { return e.sched.RunDue(ctx) }

// Encrypt seals plaintext for peer, establishing a session first if none
// exists.
//
// Steps:
//  1. Load the session, or initiate a handshake.
//  2. Encrypt with the next sending-chain key.
//  3. Attach the initiation while the session is unconfirmed.
//  4. Validate with the zero-knowledge rules, then persist the session.
func (e *Engine) Encrypt(ctx context.Context, peer domain.PeerID, plaintext []byte) (domain.Envelope, error) {
	unlock := e.codec.Lock(peer)
	defer unlock()

	var hs *domain.HandshakeMessage
	sess, err := e.store.LoadSession(ctx, peer)
	switch {
	case errors.Is(err, domain.ErrKeyNotFound):
		var msg domain.HandshakeMessage
		if sess, msg, err = e.handshake.Initiate(ctx, peer); err != nil {
			return domain.Envelope{}, err
		}
		hs = &msg
	case err != nil:
		return domain.Envelope{}, fmt.Errorf("load session: %w", err)
	case !sess.Confirmed && sess.Role == domain.RoleInitiator:
		if hs, err = e.handshake.PendingInitiation(ctx, peer); err != nil {
			return domain.Envelope{}, err
		}
	}

	env, err := e.codec.Encrypt(&sess, e.self, plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}
	env.Handshake = hs
	if err := e.zk.CheckEnvelope(ctx, env); err != nil {
		return domain.Envelope{}, err
	}
	if err := e.store.StoreSession(ctx, sess); err != nil {
		return domain.Envelope{}, fmt.Errorf("store session: %w", err)
	}
	return env, nil
}

// Send encrypts plaintext for peer and hands the envelope to the transport.
func (e *Engine) Send(ctx context.Context, peer domain.PeerID, plaintext []byte) (domain.Envelope, error) {
	if e.tport == nil {
		return domain.Envelope{}, errors.New("engine: no transport configured")
	}
	env, err := e.Encrypt(ctx, peer, plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}
	if _, err := e.tport.Send(ctx, peer, domain.Frame{Kind: domain.FrameEnvelope, Envelope: &env}); err != nil {
		return env, fmt.Errorf("send to %s: %w", peer, err)
	}
	return env, nil
}

// Decrypt authenticates and opens an incoming envelope.
//
// Steps:
//  1. Check the envelope is addressed to us and passes zero-knowledge
//     validation.
//  2. Record it in the replay ledger, rejecting duplicates and stale or
//     future timestamps.
//  3. Load the sender's session, responding to an attached initiation
//     when it names a session we do not have.
//  4. Decrypt. On failure the ledger entry is released.
func (e *Engine) Decrypt(ctx context.Context, env domain.Envelope) ([]byte, error) {
	if env.Recipient != e.self {
		return nil, fmt.Errorf("%w: addressed to %s", domain.ErrMalformedEnvelope, env.Recipient)
	}
	if err := envelope.CheckShape(env); err != nil {
		return nil, err
	}
	if err := e.zk.CheckEnvelope(ctx, env); err != nil {
		return nil, err
	}
	if err := e.replay.Check(ctx, env).Err(); err != nil {
		return nil, err
	}

	pt, err := e.open(ctx, env)
	if err != nil {
		e.replay.Forget(env.ID)
		return nil, err
	}
	return pt, nil
}

func (e *Engine) open(ctx context.Context, env domain.Envelope) ([]byte, error) {
	unlock := e.codec.Lock(env.Sender)
	defer unlock()

	sess, err := e.store.LoadSession(ctx, env.Sender)
	if err != nil && !errors.Is(err, domain.ErrKeyNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if err != nil || sess.ID != env.SessionID {
		hs := env.Handshake
		if hs == nil || hs.Kind != domain.HandshakeInit || hs.SessionID != env.SessionID || hs.Sender != env.Sender {
			return nil, fmt.Errorf("%w: no session %s with %s", domain.ErrDecryption, env.SessionID, env.Sender)
		}
		if sess, err = e.handshake.Respond(ctx, *hs); err != nil {
			return nil, err
		}
	}
	pt, err := e.codec.Decrypt(&sess, env)
	if err != nil {
		return nil, err
	}
	if err := e.store.StoreSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return pt, nil
}

// HandleFrame processes one frame from the transport. Envelope frames
// return their plaintext; handshake frames return nil.
func (e *Engine) HandleFrame(ctx context.Context, f domain.Frame) ([]byte, error) {
	switch {
	case f.Kind == domain.FrameEnvelope && f.Envelope != nil:
		return e.Decrypt(ctx, *f.Envelope)
	case f.Kind == domain.FrameHandshake && f.Handshake != nil:
		return nil, e.handleHandshake(ctx, *f.Handshake)
	default:
		return nil, fmt.Errorf("%w: frame kind %d", domain.ErrMalformedEnvelope, f.Kind)
	}
}

func (e *Engine) handleHandshake(ctx context.Context, msg domain.HandshakeMessage) error {
	unlock := e.codec.Lock(msg.Sender)
	defer unlock()
	switch msg.Kind {
	case domain.HandshakeInit:
		_, err := e.handshake.Respond(ctx, msg)
		return err
	case domain.HandshakeResponse:
		_, err := e.handshake.Confirm(ctx, msg)
		return err
	default:
		return fmt.Errorf("%w: handshake kind %q", domain.ErrMalformedEnvelope, msg.Kind)
	}
}

// RotateNow rotates keys immediately, regardless of the schedule.
func (e *Engine) RotateNow(ctx context.Context) (lifecycle.RotationResult, error) {
	return e.keys.ForceRotate(ctx)
}

// ScheduledRotationStatus reports the last and next rotation. A rotation
// happens once the interval has elapsed and the task is due, so the later of
// the two is reported.
func (e *Engine) ScheduledRotationStatus(ctx context.Context) domain.RotationStatus {
	st := e.keys.Status(ctx)
	if next, ok := e.sched.NextDue(taskRotation); ok && next.After(st.NextRotation) {
		st.NextRotation = next
	}
	return st
}

// CheckKeyExchange runs MITM detection on key material presented by peer.
func (e *Engine) CheckKeyExchange(ctx context.Context, kd domain.KeyData, peer domain.PeerID) (mitm.Verdict, error) {
	v, err := e.mitm.CheckKeyExchange(ctx, kd, peer)
	if err != nil {
		return v, err
	}
	return v, v.Err(peer)
}

// AuditForwardSecrecy summarises scheduled versus performed deletions.
func (e *Engine) AuditForwardSecrecy() domain.ForwardSecrecyReport { return e.fs.Audit() }

// HandshakeState reports the handshake state with peer.
func (e *Engine) HandshakeState(peer domain.PeerID) domain.HandshakeState {
	return e.handshake.State(peer)
}

// Fingerprint returns the local identity fingerprint, in the form peers
// see when pinning it.
func (e *Engine) Fingerprint(ctx context.Context) (domain.Fingerprint, error) {
	id, err := e.keys.Identity(ctx)
	if err != nil {
		return "", err
	}
	return mitm.Fingerprint(mitm.IdentityKeyData(id.XPub, id.EdPub, id.CreatedAt.Unix(), nil, nil)), nil
}

// PeerFingerprints lists the fingerprints pinned for peer.
func (e *Engine) PeerFingerprints(peer domain.PeerID) []domain.KeyVerification {
	return e.mitm.Records(peer)
}

// VerifyPeer pins fp for peer after out-of-band comparison.
func (e *Engine) VerifyPeer(ctx context.Context, peer domain.PeerID, fp domain.Fingerprint) error {
	return e.mitm.Pin(ctx, peer, fp, 0)
}
