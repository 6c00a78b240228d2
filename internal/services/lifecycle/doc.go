// Package lifecycle owns the local key material: the long-term identity,
// the active signed pre-key and the pool of one-time pre-keys.
//
// It generates keys, rotates them on an interval, publishes the public
// bundle to the key-distribution service and securely deletes keys that
// forward secrecy says must go.
//
// # Concurrency
//
// Rotation is serialised by a mutex around the rotate-and-persist
// sequence. The active signed pre-key is published through an atomic
// pointer, so handshakes running during a rotation see either the old or
// the new key, never a partial one, and are never blocked by it.
//
// # Secure deletion
//
// SecureDelete overwrites a key's private bytes and signature with random
// data, persists the overwrite, removes the record and reloads to verify.
// Go offers no guaranteed erasure: the runtime may have copied key bytes
// elsewhere, so this is best-effort.
package lifecycle
