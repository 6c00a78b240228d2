// Package chain implements the symmetric chain-key ratchet used by sessions.
//
// Each message advances a KDF chain: the chain key CK(n) yields a message
// key MK(n) and the next chain key CK(n+1), and CK(n) is wiped. Knowing a
// later chain key does not reveal earlier message keys. There is no DH
// ratchet step; sessions are re-established by a fresh handshake.
//
// Out-of-order delivery is handled by caching message keys for skipped
// sequence numbers, bounded by MaxSkipped.
//
// Concurrency: functions mutate the Session passed in and are NOT safe for
// concurrent use. Callers serialise access per peer and operate on a Clone
// so a failed decrypt leaves the stored session untouched.
package chain
