package types

import (
	"crypto/subtle"

	"carecrypt/internal/util/memzero"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return isZero(p[:]) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Wipe zeroes the key in place.
func (k *X25519Private) Wipe() { memzero.Zero(k[:]) }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p Ed25519Public) IsZero() bool { return isZero(p[:]) }

// Ed25519Private is an Ed25519 signing private key (seed followed by the
// public key).
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// Wipe zeroes the key in place.
func (k *Ed25519Private) Wipe() { memzero.Zero(k[:]) }

func isZero(b []byte) bool {
	var zero [64]byte
	return subtle.ConstantTimeCompare(b, zero[:len(b)]) == 1
}
