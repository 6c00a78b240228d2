// Package mitm pins peer key fingerprints and flags unexpected keys.
//
// A fingerprint is SHA-256 over publicKey‖keyID‖timestamp. The first key
// seen for a peer is pinned only after the injected Confirmer approves it
// (trust on first use). Later keys are trusted only when their fingerprint
// matches one of the peer's pinned fingerprints; at most MaxRecords are kept
// per peer, oldest evicted first.
//
// A signature carried with the key data is checked before anything else; a
// bad signature is rejected even if the fingerprint is pinned.
//
// Records are persisted through the key store's Get/Put when one is given.
package mitm
