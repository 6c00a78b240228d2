package crypto

import (
	"crypto/rand"
	"io"

	"carecrypt/internal/domain"
)

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom returns n bytes read from r.
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, &domain.CryptoProviderError{Op: "read random", Err: err}
	}
	return b, nil
}
