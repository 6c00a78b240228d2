package chain_test

import (
	"bytes"
	"errors"
	"testing"

	"carecrypt/internal/domain"
	"carecrypt/internal/protocol/chain"
)

func pair() (alice, bob domain.Session) {
	a := bytes.Repeat([]byte{1}, 32)
	b := bytes.Repeat([]byte{2}, 32)
	alice = domain.Session{SendingChainKey: append([]byte(nil), a...), ReceivingChainKey: append([]byte(nil), b...)}
	bob = domain.Session{SendingChainKey: append([]byte(nil), b...), ReceivingChainKey: append([]byte(nil), a...)}
	return alice, bob
}

func TestSendReceiveInOrder(t *testing.T) {
	alice, bob := pair()
	for i := 0; i < 3; i++ {
		seq, sendMK, err := chain.NextSendKey(&alice)
		if err != nil {
			t.Fatalf("NextSendKey: %v", err)
		}
		if seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
		recvMK, err := chain.ReceiveKey(&bob, seq)
		if err != nil {
			t.Fatalf("ReceiveKey: %v", err)
		}
		if !bytes.Equal(sendMK, recvMK) {
			t.Fatalf("message keys differ at %d", i)
		}
	}
	if alice.SentCount != 3 || bob.ReceivedCount != 3 {
		t.Fatalf("counts sent=%d received=%d", alice.SentCount, bob.ReceivedCount)
	}
}

func TestChainKeyIsReplaced(t *testing.T) {
	alice, _ := pair()
	before := alice.SendingChainKey
	snapshot := append([]byte(nil), before...)
	if _, _, err := chain.NextSendKey(&alice); err != nil {
		t.Fatalf("NextSendKey: %v", err)
	}
	if bytes.Equal(alice.SendingChainKey, snapshot) {
		t.Fatal("chain key did not advance")
	}
	if !bytes.Equal(before, make([]byte, 32)) {
		t.Fatal("previous chain key was not wiped")
	}
}

func TestOutOfOrder(t *testing.T) {
	alice, bob := pair()
	var keys [][]byte
	for i := 0; i < 3; i++ {
		_, mk, _ := chain.NextSendKey(&alice)
		keys = append(keys, mk)
	}
	mk2, err := chain.ReceiveKey(&bob, 2)
	if err != nil || !bytes.Equal(mk2, keys[2]) {
		t.Fatalf("seq 2: %v", err)
	}
	if len(bob.SkippedKeys) != 2 {
		t.Fatalf("skipped = %d, want 2", len(bob.SkippedKeys))
	}
	mk0, err := chain.ReceiveKey(&bob, 0)
	if err != nil || !bytes.Equal(mk0, keys[0]) {
		t.Fatalf("seq 0: %v", err)
	}
	if _, err := chain.ReceiveKey(&bob, 0); !errors.Is(err, chain.ErrSkippedKeyNotFound) {
		t.Fatalf("reused seq 0 err = %v", err)
	}
}

func TestGapTooLarge(t *testing.T) {
	_, bob := pair()
	if _, err := chain.ReceiveKey(&bob, chain.MaxSkipped+1); !errors.Is(err, chain.ErrTooManySkipped) {
		t.Fatalf("err = %v, want ErrTooManySkipped", err)
	}
	if bob.ReceivedCount != 0 {
		t.Fatal("state advanced on rejected gap")
	}
}

func TestUninitialisedChain(t *testing.T) {
	var s domain.Session
	if _, _, err := chain.NextSendKey(&s); err == nil {
		t.Fatal("expected error for empty chain key")
	}
}
