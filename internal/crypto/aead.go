package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"carecrypt/internal/domain"
)

const (
	KeyBytes   = chacha20poly1305.KeySize
	NonceBytes = chacha20poly1305.NonceSize
	TagBytes   = chacha20poly1305.Overhead
)

// Seal encrypts plaintext under key with a fresh random nonce and returns
// the ciphertext and tag separately.
func Seal(key, plaintext, ad []byte) (nonce, ciphertext, tag []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = RandomBytes(NonceBytes)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, ad)
	n := len(sealed) - TagBytes
	return nonce, sealed[:n:n], sealed[n:], nil
}

// Open reverses Seal. A wrong key, nonce, tag or ad yields domain.ErrDecryption.
func Open(key, nonce, ciphertext, tag, ad []byte) ([]byte, error) {
	if len(nonce) != NonceBytes || len(tag) != TagBytes {
		return nil, fmt.Errorf("%w: nonce or tag size", domain.ErrMalformedEnvelope)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, errors.Join(domain.ErrDecryption, err)
	}
	return pt, nil
}
