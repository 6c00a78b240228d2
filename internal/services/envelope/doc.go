// Package envelope turns plaintext into envelopes and back using a
// session's symmetric chains.
//
// Each envelope gets a fresh message key from the sending chain, a random
// 12-byte nonce and a UUID message id. The header (id, peers, session id,
// sequence number and timestamp) is bound to the ciphertext as associated
// data. The payload is a one-byte format version followed by the
// plaintext, so even an empty message has a non-empty ciphertext.
//
// Encrypt and Decrypt mutate the session they are given only on success.
// Callers serialise access per peer with Lock.
package envelope
