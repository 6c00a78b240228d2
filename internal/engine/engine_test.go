package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"carecrypt/internal/audit"
	"carecrypt/internal/directory"
	"carecrypt/internal/domain"
	"carecrypt/internal/store"
)

var start = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

type peer struct {
	*Engine
	store *store.MemoryStore
	audit *audit.Recorder
}

func trustAll() domain.Confirmer {
	return domain.ConfirmerFunc(func(context.Context, domain.PeerID, domain.Fingerprint) (bool, error) {
		return true, nil
	})
}

func newPeer(t *testing.T, id domain.PeerID, dir *directory.Memory, clk clock.Clock) *peer {
	t.Helper()
	ks := store.NewMemoryStore()
	rec := &audit.Recorder{}
	e, err := New(Config{Self: id, InitialBatch: 5, RotationBatch: 3}, Deps{
		Store:     ks,
		Directory: dir,
		Transport: dir,
		Confirmer: trustAll(),
		Auditor:   rec,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", id, err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	return &peer{Engine: e, store: ks, audit: rec}
}

func setup(t *testing.T) (alice, bob *peer, clk *clock.Mock, dir *directory.Memory) {
	t.Helper()
	clk = clock.NewMock()
	clk.Set(start)
	dir = directory.NewMemory()
	return newPeer(t, "alice", dir, clk), newPeer(t, "bob", dir, clk), clk, dir
}

func TestAliceBobScenario(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := setup(t)

	first, err := alice.Encrypt(ctx, "bob", []byte("Hello Bob"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if first.SequenceNumber != 0 || first.Handshake == nil {
		t.Fatalf("first envelope: seq %d, handshake %v", first.SequenceNumber, first.Handshake != nil)
	}
	got, err := bob.Decrypt(ctx, first)
	if err != nil || string(got) != "Hello Bob" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}

	second, err := alice.Encrypt(ctx, "bob", []byte("Second"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if second.SequenceNumber != 1 || second.SessionID != first.SessionID {
		t.Fatalf("second envelope: seq %d, session %s vs %s", second.SequenceNumber, second.SessionID, first.SessionID)
	}
	if got, err := bob.Decrypt(ctx, second); err != nil || string(got) != "Second" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}

	reply, err := bob.Encrypt(ctx, "alice", []byte("Hi Alice"))
	if err != nil {
		t.Fatalf("reply Encrypt: %v", err)
	}
	if reply.Handshake != nil || reply.SessionID != first.SessionID {
		t.Fatal("responder should reuse the session without a handshake")
	}
	if got, err := alice.Decrypt(ctx, reply); err != nil || string(got) != "Hi Alice" {
		t.Fatalf("reply Decrypt = %q, %v", got, err)
	}
	if alice.audit.Count(domain.EventHandshakeEstablished) != 1 || bob.audit.Count(domain.EventHandshakeEstablished) != 1 {
		t.Fatal("expected one handshake_established event per side")
	}
}

func TestHandshakeFramesConfirmSession(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, dir := setup(t)

	if _, err := alice.Encrypt(ctx, "bob", []byte("ping")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	deliver(t, dir, bob)
	deliver(t, dir, alice)

	sess, err := alice.store.LoadSession(ctx, "bob")
	if err != nil || !sess.Confirmed {
		t.Fatalf("session confirmed = %v, %v", sess.Confirmed, err)
	}
	env, err := alice.Encrypt(ctx, "bob", []byte("pong"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if env.Handshake != nil {
		t.Fatal("handshake still attached after confirmation")
	}
}

func deliver(t *testing.T, dir *directory.Memory, to *peer) {
	t.Helper()
	frames, err := dir.Receive(context.Background(), to.self, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	for _, f := range frames {
		if _, err := to.HandleFrame(context.Background(), f); err != nil {
			t.Fatalf("HandleFrame(%s): %v", to.self, err)
		}
	}
}

func TestRoundTripSizes(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := setup(t)
	for _, msg := range [][]byte{{}, []byte("x"), bytes.Repeat([]byte{0xab}, 4<<20)} {
		env, err := alice.Encrypt(ctx, "bob", msg)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(msg), err)
		}
		got, err := bob.Decrypt(ctx, env)
		if err != nil || !bytes.Equal(got, msg) {
			t.Fatalf("round trip of %d bytes failed: %v", len(msg), err)
		}
	}
}

func TestReplayRejected(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := setup(t)
	env, _ := alice.Encrypt(ctx, "bob", []byte("once"))
	if _, err := bob.Decrypt(ctx, env); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	_, err := bob.Decrypt(ctx, env)
	var re *domain.ReplayDetectedError
	if !errors.As(err, &re) || re.Reason != "duplicate_message_id" {
		t.Fatalf("replayed envelope: %v", err)
	}
	if !domain.IsSecurityWarning(err) {
		t.Fatal("replay should be a security warning")
	}
}

func TestForgedEnvelopeDoesNotBlockGenuine(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := setup(t)
	env, _ := alice.Encrypt(ctx, "bob", []byte("genuine"))

	forged := env
	forged.Ciphertext = append([]byte(nil), env.Ciphertext...)
	forged.Ciphertext[0] ^= 0x80
	if _, err := bob.Decrypt(ctx, forged); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("forged envelope: %v", err)
	}
	if got, err := bob.Decrypt(ctx, env); err != nil || string(got) != "genuine" {
		t.Fatalf("genuine envelope after forgery = %q, %v", got, err)
	}
}

func TestStaleEnvelopeRejected(t *testing.T) {
	ctx := context.Background()
	alice, bob, clk, _ := setup(t)
	env, _ := alice.Encrypt(ctx, "bob", []byte("late"))
	clk.Add(6 * time.Minute)
	_, err := bob.Decrypt(ctx, env)
	if !errors.Is(err, domain.ErrReplayDetected) {
		t.Fatalf("stale envelope: %v", err)
	}
}

func TestZeroKnowledgeBlocksPHIHeader(t *testing.T) {
	ctx := context.Background()
	_, bob, _, _ := setup(t)
	env := domain.Envelope{
		ID:         "m1",
		Sender:     "John Smith",
		Recipient:  "bob",
		Timestamp:  start.UnixMilli(),
		Ciphertext: []byte{1, 2, 3},
		Nonce:      make([]byte, 12),
		AuthTag:    make([]byte, 16),
		SessionID:  "s",
	}
	_, err := bob.Decrypt(ctx, env)
	if !errors.Is(err, domain.ErrZeroKnowledgeViolation) {
		t.Fatalf("Decrypt = %v, want zero-knowledge violation", err)
	}
	if bob.audit.Count(domain.EventZeroKnowledgeViolation) != 1 {
		t.Fatal("violation not audited")
	}
}

func TestWrongRecipient(t *testing.T) {
	ctx := context.Background()
	alice, _, clk, dir := setup(t)
	carol := newPeer(t, "carol", dir, clk)
	env, _ := alice.Encrypt(ctx, "carol", []byte("for carol"))
	env.Recipient = "bob"
	if _, err := carol.Decrypt(ctx, env); !errors.Is(err, domain.ErrMalformedEnvelope) {
		t.Fatalf("Decrypt = %v", err)
	}
}

func TestConcurrentEncryptUsesDistinctSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := setup(t)

	const n = 20
	envs := make([]domain.Envelope, n)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := alice.Encrypt(ctx, "bob", []byte(fmt.Sprintf("m%d", i)))
			if err != nil {
				errs <- err
				return
			}
			envs[i] = env
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Encrypt: %v", err)
	}
	seen := map[uint64]bool{}
	for _, env := range envs {
		if seen[env.SequenceNumber] {
			t.Fatalf("sequence number %d reused", env.SequenceNumber)
		}
		seen[env.SequenceNumber] = true
		if _, err := bob.Decrypt(ctx, env); err != nil {
			t.Fatalf("Decrypt seq %d: %v", env.SequenceNumber, err)
		}
	}
}

func TestRotationAndForwardSecrecy(t *testing.T) {
	ctx := context.Background()
	alice, bob, clk, dir := setup(t)
	before := alice.ScheduledRotationStatus(ctx)
	if !before.NextRotation.Equal(start.Add(24 * time.Hour)) {
		t.Fatalf("next rotation = %v", before.NextRotation)
	}

	clk.Add(24 * time.Hour)
	if ran := alice.Tick(ctx); ran == 0 {
		t.Fatal("no scheduled work ran after one interval")
	}
	after := alice.ScheduledRotationStatus(ctx)
	if after.ActiveSignedPreKeyID == before.ActiveSignedPreKeyID {
		t.Fatal("signed pre-key not rotated")
	}
	if _, err := alice.store.LoadSignedPreKey(ctx, before.ActiveSignedPreKeyID); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expired signed pre-key still stored: %v", err)
	}
	report := alice.AuditForwardSecrecy()
	if !report.Maintained || report.DeletedKeys < report.ExpectedDeleted || report.DeletedKeys == 0 {
		t.Fatalf("forward secrecy report = %+v", report)
	}
	if alice.audit.Count(domain.EventKeyDeletion) == 0 {
		t.Fatal("no key_deletion events")
	}

	// A fresh handshake against the republished bundle still works.
	env, err := bob.Encrypt(ctx, "alice", []byte("after rotation"))
	if err != nil {
		t.Fatalf("Encrypt after rotation: %v", err)
	}
	if got, err := alice.Decrypt(ctx, env); err != nil || string(got) != "after rotation" {
		t.Fatalf("Decrypt after rotation = %q, %v", got, err)
	}
	_ = dir
}

func TestRotateNowAlwaysRotates(t *testing.T) {
	ctx := context.Background()
	alice, _, _, _ := setup(t)
	a, err := alice.RotateNow(ctx)
	if err != nil || !a.Rotated {
		t.Fatalf("RotateNow = %+v, %v", a, err)
	}
	b, err := alice.RotateNow(ctx)
	if err != nil || !b.Rotated || b.SignedPreKeyID == a.SignedPreKeyID {
		t.Fatalf("second RotateNow = %+v, %v", b, err)
	}
}

func TestCheckKeyExchangeDetectsSubstitution(t *testing.T) {
	ctx := context.Background()
	alice, _, _, _ := setup(t)
	kd := domain.KeyData{PublicKey: bytes.Repeat([]byte{7}, 32), Timestamp: 1}
	if _, err := alice.CheckKeyExchange(ctx, kd, "mallory"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	kd.PublicKey = bytes.Repeat([]byte{8}, 32)
	v, err := alice.CheckKeyExchange(ctx, kd, "mallory")
	if !errors.Is(err, domain.ErrMITMDetected) || v.Trusted {
		t.Fatalf("substituted key: %+v, %v", v, err)
	}
	if alice.audit.Count(domain.EventMITMDetected) != 1 {
		t.Fatal("mitm_detected not audited")
	}
}

func TestFingerprintMatchesPinnedValue(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := setup(t)
	env, _ := alice.Encrypt(ctx, "bob", []byte("hi"))
	if _, err := bob.Decrypt(ctx, env); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	fp, err := alice.Fingerprint(ctx)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	recs := bob.PeerFingerprints("alice")
	if len(recs) != 1 || recs[0].Fingerprint != fp {
		t.Fatalf("bob pinned %v, alice reports %s", recs, fp)
	}
}

func TestSimultaneousFirstMessages(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, _ := setup(t)

	a1, err := alice.Encrypt(ctx, "bob", []byte("a1"))
	if err != nil {
		t.Fatalf("alice Encrypt: %v", err)
	}
	b1, err := bob.Encrypt(ctx, "alice", []byte("b1"))
	if err != nil {
		t.Fatalf("bob Encrypt: %v", err)
	}
	if a1.SessionID == b1.SessionID {
		t.Fatal("independent initiations share a session id")
	}

	// alice sorts first, so her initiation wins on both sides.
	if got, err := bob.Decrypt(ctx, a1); err != nil || string(got) != "a1" {
		t.Fatalf("bob Decrypt(a1) = %q, %v", got, err)
	}
	if _, err := alice.Decrypt(ctx, b1); !errors.Is(err, domain.ErrHandshakeInProgress) {
		t.Fatalf("alice Decrypt(b1) = %v, want ErrHandshakeInProgress", err)
	}
	if p, _ := bob.handshake.PendingInitiation(ctx, "alice"); p != nil {
		t.Fatal("losing side kept its initiation")
	}

	a2, err := alice.Encrypt(ctx, "bob", []byte("a2"))
	if err != nil {
		t.Fatalf("alice Encrypt: %v", err)
	}
	if got, err := bob.Decrypt(ctx, a2); err != nil || string(got) != "a2" {
		t.Fatalf("bob Decrypt(a2) = %q, %v", got, err)
	}
	b2, err := bob.Encrypt(ctx, "alice", []byte("b2"))
	if err != nil {
		t.Fatalf("bob Encrypt: %v", err)
	}
	if b2.SessionID != a1.SessionID || b2.Handshake != nil {
		t.Fatalf("bob replied on session %s with handshake %v", b2.SessionID, b2.Handshake != nil)
	}
	if got, err := alice.Decrypt(ctx, b2); err != nil || string(got) != "b2" {
		t.Fatalf("alice Decrypt(b2) = %q, %v", got, err)
	}
}

func TestStartCatchesUpMissedWork(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(start)
	dir := directory.NewMemory()
	newPeer(t, "bob", dir, clk)

	ks := store.NewMemoryStore()
	cfg := Config{Self: "alice", InitialBatch: 5, RotationBatch: 3}
	deps := Deps{Store: ks, Directory: dir, Transport: dir, Confirmer: trustAll(), Clock: clk}
	first, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := first.Encrypt(ctx, "bob", []byte("before the restart")); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	clk.Add(30 * time.Hour)
	second, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ran := second.Tick(ctx); ran == 0 {
		t.Fatal("first Tick after restart ran nothing")
	}
	if _, err := ks.LoadSession(ctx, "bob"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("idle session survived the restart: %v", err)
	}
	st := second.ScheduledRotationStatus(ctx)
	if !st.LastRotation.Equal(clk.Now()) {
		t.Fatalf("last rotation = %v, want %v", st.LastRotation, clk.Now())
	}
	if !st.NextRotation.Equal(clk.Now().Add(24 * time.Hour)) {
		t.Fatalf("next rotation = %v", st.NextRotation)
	}
}
