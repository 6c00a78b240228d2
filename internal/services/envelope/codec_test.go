package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"

	"carecrypt/internal/domain"
)

func sessions() (alice, bob domain.Session) {
	a2b := bytes.Repeat([]byte{1}, 32)
	b2a := bytes.Repeat([]byte{2}, 32)
	alice = domain.Session{ID: "s1", PeerID: "bob", SendingChainKey: append([]byte(nil), a2b...), ReceivingChainKey: append([]byte(nil), b2a...)}
	bob = domain.Session{ID: "s1", PeerID: "alice", SendingChainKey: append([]byte(nil), b2a...), ReceivingChainKey: append([]byte(nil), a2b...)}
	return alice, bob
}

func TestRoundTrip(t *testing.T) {
	c := New(clock.NewMock())
	alice, bob := sessions()
	for _, msg := range [][]byte{
		[]byte("Hello Bob"),
		{},
		bytes.Repeat([]byte("x"), 5<<20),
		[]byte("naïve café 🚑"),
	} {
		env, err := c.Encrypt(&alice, "alice", msg)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if len(env.Ciphertext) == 0 {
			t.Fatal("empty ciphertext")
		}
		got, err := c.Decrypt(&bob, env)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round trip mismatch for %d-byte message", len(msg))
		}
	}
	if alice.SentCount != 4 || bob.ReceivedCount != 4 {
		t.Fatalf("counters = %d/%d", alice.SentCount, bob.ReceivedCount)
	}
}

func TestEnvelopesAreUnique(t *testing.T) {
	c := New(clock.NewMock())
	alice, _ := sessions()
	a, _ := c.Encrypt(&alice, "alice", []byte("same"))
	b, _ := c.Encrypt(&alice, "alice", []byte("same"))
	if a.ID == b.ID || bytes.Equal(a.Nonce, b.Nonce) || bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("identical plaintexts produced overlapping envelopes")
	}
	if a.SequenceNumber != 0 || b.SequenceNumber != 1 {
		t.Fatalf("sequence numbers = %d, %d", a.SequenceNumber, b.SequenceNumber)
	}
}

func TestFailedDecryptLeavesSessionUntouched(t *testing.T) {
	c := New(clock.NewMock())
	alice, bob := sessions()
	env, _ := c.Encrypt(&alice, "alice", []byte("hi"))
	before := bob.Clone()

	tampered := env
	tampered.Ciphertext = append([]byte(nil), env.Ciphertext...)
	tampered.Ciphertext[0] ^= 1
	if _, err := c.Decrypt(&bob, tampered); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("tampered ciphertext: %v", err)
	}
	swapped := env
	swapped.Sender = "mallory"
	if _, err := c.Decrypt(&bob, swapped); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("altered header: %v", err)
	}
	if bob.ReceivedCount != before.ReceivedCount || !bytes.Equal(bob.ReceivingChainKey, before.ReceivingChainKey) {
		t.Fatal("session advanced on failure")
	}
	if _, err := c.Decrypt(&bob, env); err != nil {
		t.Fatalf("genuine envelope after failures: %v", err)
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	c := New(clock.NewMock())
	alice, bob := sessions()
	var envs []domain.Envelope
	for i := 0; i < 3; i++ {
		env, _ := c.Encrypt(&alice, "alice", []byte{byte('a' + i)})
		envs = append(envs, env)
	}
	for _, i := range []int{2, 0, 1} {
		got, err := c.Decrypt(&bob, envs[i])
		if err != nil || got[0] != byte('a'+i) {
			t.Fatalf("message %d: %q, %v", i, got, err)
		}
	}
}

func TestMalformed(t *testing.T) {
	c := New(clock.NewMock())
	alice, bob := sessions()
	env, _ := c.Encrypt(&alice, "alice", []byte("hi"))
	for name, mutate := range map[string]func(*domain.Envelope){
		"no ciphertext": func(e *domain.Envelope) { e.Ciphertext = nil },
		"short nonce":   func(e *domain.Envelope) { e.Nonce = e.Nonce[:8] },
		"no tag":        func(e *domain.Envelope) { e.AuthTag = nil },
		"no id":         func(e *domain.Envelope) { e.ID = "" },
	} {
		e := env
		mutate(&e)
		if _, err := c.Decrypt(&bob, e); !errors.Is(err, domain.ErrMalformedEnvelope) {
			t.Errorf("%s: %v", name, err)
		}
	}
}
