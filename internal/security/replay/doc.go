// Package replay keeps the replay ledger: a bounded record of recently
// accepted envelopes used to reject duplicates and stale messages.
//
// Checks run in a fixed order: duplicate message id, duplicate content
// (BLAKE3 over ciphertext‖nonce‖tag under a different id), stale timestamp
// (older than the window), future timestamp (newer than the window). A
// check that passes inserts the entry under the same lock, so two
// concurrent checks of one id cannot both be accepted.
//
// The ledger holds at most Capacity entries; the oldest by RecordedAt is
// evicted first.
package replay
