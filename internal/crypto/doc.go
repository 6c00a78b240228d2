// Package crypto exposes the primitives used by carecrypt.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - HKDF-SHA256 expansion into labelled keys (DeriveKeys)
//   - ChaCha20-Poly1305 sealing with detached tags (Seal, Open)
//   - Passphrase sealing of data at rest (Sealer: Argon2id KEK + AEAD)
//   - Fingerprints for display (Fingerprint) and pinning (KeyFingerprint)
//
// # Notes
//
// Randomness failures are reported as *domain.CryptoProviderError. Key
// material is returned in fixed-size array types from internal/domain.
// Callers wipe secrets with memzero.Zero when practical; in Go this is
// best-effort, since the runtime may have copied the bytes elsewhere.
package crypto
