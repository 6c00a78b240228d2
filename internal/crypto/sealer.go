package crypto

import (
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"carecrypt/internal/util/memzero"
)

const (
	SaltBytes     = 16
	sealerVersion = 1
)

// Argon2Params controls the cost of passphrase key derivation.
type Argon2Params struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultArgon2Params is Argon2id with 64 MiB of memory.
var DefaultArgon2Params = Argon2Params{Time: 1, Memory: 1 << 16, Threads: 8}

// DeriveKEK derives a key-encryption key from a passphrase and salt using Argon2id.
func DeriveKEK(passphrase string, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Threads, KeyBytes)
}

// Sealer encrypts small blobs at rest under a passphrase-derived key.
// The KEK is derived once per Sealer.
type Sealer struct {
	kek []byte
}

// NewSealer derives the KEK for passphrase and salt.
func NewSealer(passphrase string, salt []byte, p Argon2Params) (*Sealer, error) {
	if len(salt) != SaltBytes {
		return nil, errors.New("invalid salt size")
	}
	return &Sealer{kek: DeriveKEK(passphrase, salt, p)}, nil
}

// Seal returns version‖nonce‖ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.kek)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(NonceBytes)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+NonceBytes+len(plaintext)+TagBytes)
	out = append(out, sealerVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte{sealerVersion}), nil
}

// Open decrypts a blob produced by Seal. A wrong passphrase fails here.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < 1+NonceBytes+TagBytes || blob[0] != sealerVersion {
		return nil, errors.New("invalid sealed blob")
	}
	aead, err := chacha20poly1305.New(s.kek)
	if err != nil {
		return nil, err
	}
	nonce := blob[1 : 1+NonceBytes]
	pt, err := aead.Open(nil, nonce, blob[1+NonceBytes:], blob[:1])
	if err != nil {
		return nil, errors.New("wrong passphrase or corrupted data")
	}
	return pt, nil
}

// Close wipes the KEK.
func (s *Sealer) Close() { memzero.Zero(s.kek) }
