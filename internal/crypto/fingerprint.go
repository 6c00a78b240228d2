package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"carecrypt/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// KeyFingerprint is the full SHA-256 over publicKey‖keyID‖timestamp, with
// keyID as 4 and timestamp as 8 big-endian bytes. It is what peers pin.
func KeyFingerprint(pub []byte, keyID domain.KeyID, timestamp int64) domain.Fingerprint {
	h := sha256.New()
	h.Write(pub)
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(keyID))
	binary.BigEndian.PutUint64(buf[4:], uint64(timestamp))
	h.Write(buf[:])
	return domain.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
