// Package engine is the exposed surface of carecrypt: it composes the key
// lifecycle manager, the handshake engine, the envelope codec and the
// security layer into Encrypt and Decrypt.
//
// Encrypt establishes a session transparently on first contact, attaches
// the handshake initiation to envelopes until the peer confirms it, and
// refuses to emit anything the zero-knowledge validator rejects.
//
// Decrypt runs, in order: recipient check, zero-knowledge validation,
// replay ledger, handshake response (when the envelope carries an
// initiation for a new session) and authenticated decryption. An envelope
// that fails authentication is forgotten by the replay ledger so the
// genuine message with the same id can still be accepted.
//
// Background work (rotation, idle-session sweep, forward-secrecy
// deletions) runs on a scheduler driven by the injected clock: Run for a
// long-lived process, Tick for one-shot callers and tests.
package engine
