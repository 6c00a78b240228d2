package chain

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"carecrypt/internal/domain"
	"carecrypt/internal/util/memzero"
)

// MaxSkipped bounds both the skipped-key cache and the gap a single message may open.
const MaxSkipped = 1000

var (
	ErrSkippedKeyNotFound = errors.New("message key for sequence number not available")
	ErrTooManySkipped     = errors.New("too many skipped messages")
	errChainUninitialised = errors.New("chain key is uninitialised")
)

// Advance derives the message key for ck and the next chain key.
func Advance(ck []byte) (nextCK, mk []byte, err error) {
	if len(ck) == 0 {
		return nil, nil, errChainUninitialised
	}
	r := hkdf.New(sha256.New, ck, nil, []byte("carecrypt|ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	if _, err := io.ReadFull(r, nextCK); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, mk); err != nil {
		return nil, nil, err
	}
	return nextCK, mk, nil
}

// NextSendKey advances the sending chain and returns the sequence number
// and message key for the next outgoing message.
func NextSendKey(s *domain.Session) (seq uint64, mk []byte, err error) {
	next, mk, err := Advance(s.SendingChainKey)
	if err != nil {
		return 0, nil, err
	}
	memzero.Zero(s.SendingChainKey)
	s.SendingChainKey = next
	seq = s.SentCount
	s.SentCount++
	return seq, mk, nil
}

// ReceiveKey returns the message key for incoming sequence number seq.
// Keys for any gap are cached in s.SkippedKeys; a cached key is removed on use.
func ReceiveKey(s *domain.Session, seq uint64) ([]byte, error) {
	if seq < s.ReceivedCount {
		mk, ok := s.SkippedKeys[seq]
		if !ok {
			return nil, ErrSkippedKeyNotFound
		}
		delete(s.SkippedKeys, seq)
		return mk, nil
	}
	if seq-s.ReceivedCount > MaxSkipped {
		return nil, ErrTooManySkipped
	}
	for s.ReceivedCount < seq {
		next, mk, err := Advance(s.ReceivingChainKey)
		if err != nil {
			return nil, err
		}
		memzero.Zero(s.ReceivingChainKey)
		s.ReceivingChainKey = next
		storeSkipped(s, s.ReceivedCount, mk)
		s.ReceivedCount++
	}
	next, mk, err := Advance(s.ReceivingChainKey)
	if err != nil {
		return nil, err
	}
	memzero.Zero(s.ReceivingChainKey)
	s.ReceivingChainKey = next
	s.ReceivedCount = seq + 1
	return mk, nil
}

// storeSkipped caches mk, evicting the lowest sequence number when full.
func storeSkipped(s *domain.Session, seq uint64, mk []byte) {
	if s.SkippedKeys == nil {
		s.SkippedKeys = make(map[uint64][]byte)
	}
	if len(s.SkippedKeys) >= MaxSkipped {
		oldest := seq
		for n := range s.SkippedKeys {
			if n < oldest {
				oldest = n
			}
		}
		memzero.Zero(s.SkippedKeys[oldest])
		delete(s.SkippedKeys, oldest)
	}
	s.SkippedKeys[seq] = mk
}
