package types

import "time"

// HandshakeState is the per-peer handshake state machine.
type HandshakeState int

const (
	HandshakeNone HandshakeState = iota
	HandshakePending
	HandshakeEstablished
)

// String returns the state name.
func (s HandshakeState) String() string {
	switch s {
	case HandshakePending:
		return "PENDING"
	case HandshakeEstablished:
		return "ESTABLISHED"
	default:
		return "NONE"
	}
}

// Role records which side of the handshake produced a session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Session holds the X3DH-derived keys and chain state for a peer.
type Session struct {
	ID                SessionID         `json:"id"`
	PeerID            PeerID            `json:"peer_id"`
	Role              Role              `json:"role"`
	RootKey           []byte            `json:"root_key"`
	SendingChainKey   []byte            `json:"sending_chain_key"`
	ReceivingChainKey []byte            `json:"receiving_chain_key"`
	SentCount         uint64            `json:"sent_count"`
	ReceivedCount     uint64            `json:"received_count"`
	SkippedKeys       map[uint64][]byte `json:"skipped_keys,omitempty"`
	LocalIdentity     X25519Public      `json:"local_identity"`
	PeerIdentity      X25519Public      `json:"peer_identity"`
	PeerEphemeral     X25519Public      `json:"peer_ephemeral"`
	Confirmed         bool              `json:"confirmed"`
	EstablishedAt     time.Time         `json:"established_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s Session) Clone() Session {
	out := s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendingChainKey = append([]byte(nil), s.SendingChainKey...)
	out.ReceivingChainKey = append([]byte(nil), s.ReceivingChainKey...)
	if s.SkippedKeys != nil {
		out.SkippedKeys = make(map[uint64][]byte, len(s.SkippedKeys))
		for n, mk := range s.SkippedKeys {
			out.SkippedKeys[n] = append([]byte(nil), mk...)
		}
	}
	return out
}
