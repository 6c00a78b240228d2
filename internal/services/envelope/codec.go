package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
	"carecrypt/internal/protocol/chain"
	"carecrypt/internal/util/memzero"
)

const payloadV1 byte = 1

// Codec is safe for concurrent use; sessions are not, see Lock.
type Codec struct {
	clock clock.Clock
	locks sync.Map // domain.PeerID -> *sync.Mutex
}

// New returns a codec that timestamps envelopes with clk.
func New(clk clock.Clock) *Codec {
	if clk == nil {
		clk = clock.New()
	}
	return &Codec{clock: clk}
}

// Lock serialises read-modify-write of peer's session. Call the returned
// function to release it.
func (c *Codec) Lock(peer domain.PeerID) func() {
	v, _ := c.locks.LoadOrStore(peer, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Encrypt seals plaintext for s.PeerID and advances the sending chain.
func (c *Codec) Encrypt(s *domain.Session, sender domain.PeerID, plaintext []byte) (domain.Envelope, error) {
	next := s.Clone()
	seq, mk, err := chain.NextSendKey(&next)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("advance sending chain: %w", err)
	}
	defer memzero.Zero(mk)

	env := domain.Envelope{
		ID:             domain.MessageID(uuid.NewString()),
		Sender:         sender,
		Recipient:      s.PeerID,
		Timestamp:      c.clock.Now().UnixMilli(),
		SessionID:      s.ID,
		SequenceNumber: seq,
	}
	payload := make([]byte, 0, len(plaintext)+1)
	payload = append(payload, payloadV1)
	payload = append(payload, plaintext...)
	defer memzero.Zero(payload)

	env.Nonce, env.Ciphertext, env.AuthTag, err = crypto.Seal(mk, payload, Header(env))
	if err != nil {
		return domain.Envelope{}, err
	}
	next.LastActivityAt = c.clock.Now()
	memzero.Zero(s.SendingChainKey)
	*s = next
	return env, nil
}

// Decrypt opens env with s and advances the receiving chain. Skipped
// message keys are cached in the session for out-of-order delivery.
func (c *Codec) Decrypt(s *domain.Session, env domain.Envelope) ([]byte, error) {
	if err := CheckShape(env); err != nil {
		return nil, err
	}
	if env.SessionID != s.ID {
		return nil, fmt.Errorf("%w: envelope for session %s, have %s", domain.ErrDecryption, env.SessionID, s.ID)
	}
	next := s.Clone()
	mk, err := chain.ReceiveKey(&next, env.SequenceNumber)
	if err != nil {
		return nil, errors.Join(domain.ErrDecryption, err)
	}
	defer memzero.Zero(mk)

	payload, err := crypto.Open(mk, env.Nonce, env.Ciphertext, env.AuthTag, Header(env))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 || payload[0] != payloadV1 {
		return nil, fmt.Errorf("%w: unknown payload format", domain.ErrMalformedEnvelope)
	}
	next.LastActivityAt = c.clock.Now()
	memzero.Zero(s.ReceivingChainKey)
	*s = next
	return payload[1:], nil
}

// CheckShape reports a missing or mis-sized field.
func CheckShape(env domain.Envelope) error {
	switch {
	case env.ID == "" || env.Sender == "" || env.Recipient == "" || env.SessionID == "":
		return fmt.Errorf("%w: missing header field", domain.ErrMalformedEnvelope)
	case len(env.Ciphertext) == 0:
		return fmt.Errorf("%w: missing ciphertext", domain.ErrMalformedEnvelope)
	case len(env.Nonce) != crypto.NonceBytes:
		return fmt.Errorf("%w: nonce must be %d bytes", domain.ErrMalformedEnvelope, crypto.NonceBytes)
	case len(env.AuthTag) != crypto.TagBytes:
		return fmt.Errorf("%w: tag must be %d bytes", domain.ErrMalformedEnvelope, crypto.TagBytes)
	}
	return nil
}

// Header is the associated data bound to an envelope's ciphertext.
func Header(env domain.Envelope) []byte {
	var b []byte
	field := func(p string) {
		b = binary.BigEndian.AppendUint32(b, uint32(len(p)))
		b = append(b, p...)
	}
	field("carecrypt|envelope")
	field(string(env.ID))
	field(string(env.Sender))
	field(string(env.Recipient))
	field(string(env.SessionID))
	b = binary.BigEndian.AppendUint64(b, env.SequenceNumber)
	b = binary.BigEndian.AppendUint64(b, uint64(env.Timestamp))
	return b
}
