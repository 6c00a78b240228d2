// Package store provides Key Store implementations for carecrypt.
//
// Two stores live here:
//   - MemoryStore keeps everything in process memory (tests, relays, demos).
//   - FileStore persists to a directory, one file per concern, each file a
//     JSON document sealed under a passphrase-derived key (Argon2id KEK +
//     ChaCha20-Poly1305). Writes go through a temp file and an atomic rename.
//
// Both implement domain.KeyStore, are concurrency-safe via internal locking,
// and return copies so callers cannot mutate stored state. Load methods wrap
// domain.ErrKeyNotFound; Remove methods treat a missing record as success.
//
// WipeAll overwrites stored secrets before discarding them. This is
// best-effort: the Go runtime and the filesystem may retain copies.
//
// A SQL-backed store lives in the sqlstore subpackage.
package store
