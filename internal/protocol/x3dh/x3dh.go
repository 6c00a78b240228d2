package x3dh

import (
	"fmt"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
	"carecrypt/internal/util/memzero"
)

const (
	labelRoot      = "root"
	labelSending   = "sending"
	labelReceiving = "receiving"
	keySize        = 32
)

// fixed HKDF salt; the transcript itself carries all entropy.
var salt = make([]byte, keySize)

// SessionKeys are the keys a handshake produces for one side.
type SessionKeys struct {
	Root      []byte
	Sending   []byte
	Receiving []byte
}

// Wipe zeroes all three keys.
func (k SessionKeys) Wipe() {
	memzero.ZeroAll(k.Root, k.Sending, k.Receiving)
}

// InitiatorKeys derives the initiator's session keys.
func InitiatorKeys(
	ourIDPriv domain.X25519Private,
	ourEphPriv domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerSPK domain.X25519Public,
	peerOPK *domain.X25519Public,
) (SessionKeys, error) {
	pairs := []dhPair{
		{ourIDPriv, peerSPK},    // DH(IKA, SPKB)
		{ourEphPriv, peerIDPub}, // DH(EKA, IKB)
		{ourEphPriv, peerSPK},   // DH(EKA, SPKB)
	}
	if peerOPK != nil {
		pairs = append(pairs, dhPair{ourEphPriv, *peerOPK}) // DH(EKA, OPKB)
	}
	keys, err := derive(pairs)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{Root: keys[0], Sending: keys[1], Receiving: keys[2]}, nil
}

// ResponderKeys derives the responder's session keys from the initiator's
// identity and ephemeral public keys.
func ResponderKeys(
	ourIDPriv domain.X25519Private,
	ourSPKPriv domain.X25519Private,
	ourOPKPriv *domain.X25519Private,
	peerIDPub domain.X25519Public,
	peerEphPub domain.X25519Public,
) (SessionKeys, error) {
	pairs := []dhPair{
		{ourSPKPriv, peerIDPub},  // DH(SPKB, IKA)
		{ourIDPriv, peerEphPub},  // DH(IKB, EKA)
		{ourSPKPriv, peerEphPub}, // DH(SPKB, EKA)
	}
	if ourOPKPriv != nil {
		pairs = append(pairs, dhPair{*ourOPKPriv, peerEphPub}) // DH(OPKB, EKA)
	}
	keys, err := derive(pairs)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{Root: keys[0], Sending: keys[2], Receiving: keys[1]}, nil
}

// VerifySPK checks the signed pre-key signature.
func VerifySPK(edPub domain.Ed25519Public, spk domain.X25519Public, sig []byte) bool {
	return crypto.VerifyEd25519(edPub, spk.Slice(), sig)
}

type dhPair struct {
	priv domain.X25519Private
	pub  domain.X25519Public
}

func derive(pairs []dhPair) ([][]byte, error) {
	transcript := make([]byte, 0, keySize*len(pairs))
	defer func() { memzero.Zero(transcript) }()
	for i, p := range pairs {
		out, err := crypto.DH(p.priv, p.pub)
		if err != nil {
			return nil, fmt.Errorf("dh%d: %w", i+1, err)
		}
		transcript = append(transcript, out[:]...)
		memzero.Zero(out[:])
	}
	return crypto.DeriveKeys(transcript, salt, keySize, labelRoot, labelSending, labelReceiving)
}
