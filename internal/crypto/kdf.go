package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKeys expands secret with HKDF-SHA256 once per label and returns one
// size-byte key for each, in order.
func DeriveKeys(secret, salt []byte, size int, labels ...string) ([][]byte, error) {
	out := make([][]byte, len(labels))
	for i, label := range labels {
		k := make([]byte, size)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(label)), k); err != nil {
			return nil, err
		}
		out[i] = k
	}
	return out, nil
}
