package handshake

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"carecrypt/internal/directory"
	"carecrypt/internal/domain"
	"carecrypt/internal/security/mitm"
	"carecrypt/internal/services/lifecycle"
	"carecrypt/internal/store"
)

type party struct {
	id    domain.PeerID
	store *store.MemoryStore
	keys  *lifecycle.Manager
	hs    *Service
}

func trustAll() domain.Confirmer {
	return domain.ConfirmerFunc(func(context.Context, domain.PeerID, domain.Fingerprint) (bool, error) {
		return true, nil
	})
}

func newParty(t *testing.T, id domain.PeerID, dir *directory.Memory, clk clock.Clock) *party {
	t.Helper()
	ks := store.NewMemoryStore()
	keys := lifecycle.New(id, ks, dir, lifecycle.WithClock(clk), lifecycle.WithConfig(lifecycle.Config{InitialBatch: 3}))
	if _, err := keys.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap %s: %v", id, err)
	}
	det := mitm.New(clk, trustAll(), mitm.WithStore(ks))
	return &party{id: id, store: ks, keys: keys, hs: New(id, keys, ks, dir, dir, det, WithClock(clk))}
}

func receiveHandshake(t *testing.T, dir *directory.Memory, me domain.PeerID) domain.HandshakeMessage {
	t.Helper()
	frames, err := dir.Receive(context.Background(), me, 1)
	if err != nil || len(frames) != 1 || frames[0].Handshake == nil {
		t.Fatalf("expected one handshake frame for %s, got %v (%v)", me, frames, err)
	}
	return *frames[0].Handshake
}

func TestHandshakeDerivesMatchingKeys(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	as, msg, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if !msg.HasOneTimePreKey {
		t.Fatal("expected a one-time pre-key to be used")
	}
	if alice.hs.State("bob") != domain.HandshakeEstablished {
		t.Fatalf("state = %s", alice.hs.State("bob"))
	}

	bs, err := bob.hs.Respond(ctx, receiveHandshake(t, dir, "bob"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if as.ID != bs.ID {
		t.Fatal("session ids differ")
	}
	if !bytes.Equal(as.SendingChainKey, bs.ReceivingChainKey) || !bytes.Equal(as.ReceivingChainKey, bs.SendingChainKey) {
		t.Fatal("chain keys do not mirror")
	}
	if _, err := bob.keys.ConsumePreKey(ctx, msg.OneTimePreKeyID); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("one-time pre-key not consumed: %v", err)
	}

	confirmed, err := alice.hs.Confirm(ctx, receiveHandshake(t, dir, "alice"))
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if !confirmed.Confirmed {
		t.Fatal("session not confirmed")
	}
	if p, _ := alice.hs.PendingInitiation(ctx, "bob"); p != nil {
		t.Fatal("initiation still pending after confirmation")
	}
}

func TestRespondIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	_, msg, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	first, err := bob.hs.Respond(ctx, msg)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	again, err := bob.hs.Respond(ctx, msg)
	if err != nil {
		t.Fatalf("second Respond: %v", err)
	}
	if !bytes.Equal(first.ReceivingChainKey, again.ReceivingChainKey) {
		t.Fatal("second Respond replaced the session")
	}
}

func TestConfirmAfterTimeoutExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	if _, _, err := alice.hs.Initiate(ctx, "bob"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := bob.hs.Respond(ctx, receiveHandshake(t, dir, "bob")); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	clk.Add(DefaultPendingTimeout + time.Second)
	_, err := alice.hs.Confirm(ctx, receiveHandshake(t, dir, "alice"))
	if !errors.Is(err, domain.ErrHandshakeExpired) {
		t.Fatalf("Confirm = %v, want expired", err)
	}
}

func TestTamperedInitiationRejected(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	_, msg, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	msg.EphemeralKey[0] ^= 0xff
	_, err = bob.hs.Respond(ctx, msg)
	if !errors.Is(err, domain.ErrMITMDetected) {
		t.Fatalf("Respond = %v, want MITM", err)
	}
}

func TestChangedIdentityRejected(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	newParty(t, "bob", dir, clk)

	if _, _, err := alice.hs.Initiate(ctx, "bob"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	// A different bob publishes over the first one.
	newParty(t, "bob", dir, clk)
	clk.Add(DefaultPendingTimeout)
	_, _, err := alice.hs.Initiate(ctx, "bob")
	if !errors.Is(err, domain.ErrMITMDetected) {
		t.Fatalf("Initiate = %v, want MITM", err)
	}
}

func TestUnknownPeer(t *testing.T) {
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	_, _, err := alice.hs.Initiate(context.Background(), "carol")
	if !errors.Is(err, domain.ErrPeerBundleNotFound) {
		t.Fatalf("Initiate = %v", err)
	}
	if alice.hs.State("carol") != domain.HandshakeNone {
		t.Fatal("failed initiation left state behind")
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	newParty(t, "bob", dir, clk)

	if _, _, err := alice.hs.Initiate(ctx, "bob"); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if n, _ := alice.hs.Sweep(ctx); n != 0 {
		t.Fatalf("fresh session swept")
	}
	clk.Add(DefaultIdleTimeout + time.Minute)
	if n, err := alice.hs.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if _, err := alice.store.LoadSession(ctx, "bob"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("idle session still stored: %v", err)
	}
}

func TestMessageWithoutKeysIsMalformed(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	_, msg, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	msg.EphemeralKey = domain.X25519Public{}
	if _, err := bob.hs.Respond(ctx, msg); !errors.Is(err, domain.ErrMalformedEnvelope) {
		t.Fatalf("Respond = %v, want ErrMalformedEnvelope", err)
	}
}

func TestTamperedFieldsRejected(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(m *domain.HandshakeMessage)
	}{
		{"identity key", func(m *domain.HandshakeMessage) { m.IdentityKey[0] ^= 0x01 }},
		{"signing key", func(m *domain.HandshakeMessage) { m.SigningKey[0] ^= 0x01 }},
		{"identity created at", func(m *domain.HandshakeMessage) { m.IdentityCreatedAt++ }},
		{"signed pre-key id", func(m *domain.HandshakeMessage) { m.SignedPreKeyID++ }},
		{"one-time pre-key id", func(m *domain.HandshakeMessage) { m.OneTimePreKeyID++ }},
		{"one-time pre-key flag", func(m *domain.HandshakeMessage) { m.HasOneTimePreKey = false }},
		{"timestamp", func(m *domain.HandshakeMessage) { m.Timestamp++ }},
		{"session id", func(m *domain.HandshakeMessage) { m.SessionID += "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clk := clock.NewMock()
			dir := directory.NewMemory()
			alice := newParty(t, "alice", dir, clk)
			bob := newParty(t, "bob", dir, clk)

			_, msg, err := alice.hs.Initiate(ctx, "bob")
			if err != nil {
				t.Fatalf("Initiate: %v", err)
			}
			opk := msg.OneTimePreKeyID
			tt.tamper(&msg)
			if _, err := bob.hs.Respond(ctx, msg); !errors.Is(err, domain.ErrMITMDetected) {
				t.Fatalf("Respond = %v, want MITM", err)
			}
			if _, err := bob.keys.ConsumePreKey(ctx, opk); err != nil {
				t.Fatalf("one-time pre-key spent by a rejected message: %v", err)
			}
		})
	}
}

func TestStaleInitiationRejected(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	_, msg, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	clk.Add(DefaultMaxAge + time.Second)
	if _, err := bob.hs.Respond(ctx, msg); !errors.Is(err, domain.ErrHandshakeExpired) {
		t.Fatalf("Respond = %v, want ErrHandshakeExpired", err)
	}
	if _, err := bob.store.LoadSession(ctx, "alice"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("stale initiation created a session: %v", err)
	}
}

func TestOlderInitiationCannotRollBackSession(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	_, first, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := bob.hs.Respond(ctx, first); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	clk.Add(time.Minute)
	_, second, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("second Initiate: %v", err)
	}
	current, err := bob.hs.Respond(ctx, second)
	if err != nil || current.ID != second.SessionID {
		t.Fatalf("newer initiation not adopted: %v", err)
	}

	if _, err := bob.hs.Respond(ctx, first); !errors.Is(err, domain.ErrHandshakeExpired) {
		t.Fatalf("replayed initiation = %v, want ErrHandshakeExpired", err)
	}
	sess, err := bob.store.LoadSession(ctx, "alice")
	if err != nil || sess.ID != second.SessionID {
		t.Fatalf("session rolled back to %s: %v", sess.ID, err)
	}
}

func TestCrossedInitiationsResolveToLowerPeer(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	alice := newParty(t, "alice", dir, clk)
	bob := newParty(t, "bob", dir, clk)

	_, fromAlice, err := alice.hs.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("alice Initiate: %v", err)
	}
	_, fromBob, err := bob.hs.Initiate(ctx, "alice")
	if err != nil {
		t.Fatalf("bob Initiate: %v", err)
	}

	if _, err := alice.hs.Respond(ctx, fromBob); !errors.Is(err, domain.ErrHandshakeInProgress) {
		t.Fatalf("alice Respond = %v, want ErrHandshakeInProgress", err)
	}
	sess, err := bob.hs.Respond(ctx, fromAlice)
	if err != nil || sess.ID != fromAlice.SessionID || sess.Role != domain.RoleResponder {
		t.Fatalf("bob Respond = %+v, %v", sess, err)
	}
	if p, _ := bob.hs.PendingInitiation(ctx, "alice"); p != nil {
		t.Fatal("bob kept the losing initiation")
	}
}

type blockingDirectory struct {
	*directory.Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDirectory) FetchBundle(ctx context.Context, peer domain.PeerID) (domain.PreKeyBundle, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Memory.FetchBundle(ctx, peer)
}

func TestInitiateWhilePending(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dir := directory.NewMemory()
	newParty(t, "bob", dir, clk)
	alice := newParty(t, "alice", dir, clk)

	slow := &blockingDirectory{Memory: dir, entered: make(chan struct{}), release: make(chan struct{})}
	det := mitm.New(clk, trustAll(), mitm.WithStore(alice.store))
	hs := New("alice", alice.keys, alice.store, slow, dir, det, WithClock(clk))

	done := make(chan error, 1)
	go func() {
		_, _, err := hs.Initiate(ctx, "bob")
		done <- err
	}()
	<-slow.entered

	if st := hs.State("bob"); st != domain.HandshakePending {
		t.Fatalf("state = %s, want PENDING", st)
	}
	if _, _, err := hs.Initiate(ctx, "bob"); !errors.Is(err, domain.ErrHandshakeInProgress) {
		t.Fatalf("second Initiate = %v, want ErrHandshakeInProgress", err)
	}
	clk.Add(DefaultPendingTimeout)
	if st := hs.State("bob"); st != domain.HandshakeNone {
		t.Fatalf("state after timeout = %s, want NONE", st)
	}

	close(slow.release)
	if err := <-done; err != nil {
		t.Fatalf("Initiate: %v", err)
	}
}
