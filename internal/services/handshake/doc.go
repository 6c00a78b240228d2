// Package handshake establishes sessions with X3DH.
//
// The initiator fetches the peer's bundle, checks the bundle identity with
// the MITM detector, derives the session keys and sends an initiation
// message. The responder checks the initiator the same way, consumes the
// one-time pre-key named in the message and replies with its own ephemeral
// key. The initiator then confirms the session.
//
// Per-peer state is NONE, PENDING (an initiation is being built, for at
// most PendingTimeout) or ESTABLISHED. A second Initiate for a peer that is
// still PENDING fails with domain.ErrHandshakeInProgress.
//
// Both handshake messages carry an Ed25519 signature by the sender's
// identity over the session id, both peer ids and the ephemeral key, so a
// relay cannot splice a foreign ephemeral key into an otherwise valid
// message.
package handshake
