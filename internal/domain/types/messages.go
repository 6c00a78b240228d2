package types

// Envelope is the encrypted wire message. It is immutable once created.
type Envelope struct {
	ID             MessageID         `json:"id" cbor:"1,keyasint"`
	Sender         PeerID            `json:"sender" cbor:"2,keyasint"`
	Recipient      PeerID            `json:"recipient" cbor:"3,keyasint"`
	Timestamp      int64             `json:"timestamp" cbor:"4,keyasint"`
	Ciphertext     []byte            `json:"ciphertext" cbor:"5,keyasint"`
	Nonce          []byte            `json:"nonce" cbor:"6,keyasint"`
	AuthTag        []byte            `json:"tag" cbor:"7,keyasint"`
	SessionID      SessionID         `json:"session_id" cbor:"8,keyasint"`
	SequenceNumber uint64            `json:"sequence_number" cbor:"9,keyasint"`
	Handshake      *HandshakeMessage `json:"handshake,omitempty" cbor:"10,keyasint,omitempty"`
}

// HandshakeKind distinguishes initiation from response messages.
type HandshakeKind string

const (
	HandshakeInit     HandshakeKind = "init"
	HandshakeResponse HandshakeKind = "response"
)

// HandshakeMessage carries the X3DH parameters from initiator to responder
// and the responder's ephemeral key back.
type HandshakeMessage struct {
	Kind              HandshakeKind `json:"kind" cbor:"1,keyasint"`
	SessionID         SessionID     `json:"session_id" cbor:"2,keyasint"`
	Sender            PeerID        `json:"sender" cbor:"3,keyasint"`
	Recipient         PeerID        `json:"recipient" cbor:"4,keyasint"`
	IdentityKey       X25519Public  `json:"identity_key" cbor:"5,keyasint"`
	SigningKey        Ed25519Public `json:"signing_key" cbor:"6,keyasint"`
	IdentityCreatedAt int64         `json:"identity_created_at" cbor:"7,keyasint"`
	EphemeralKey      X25519Public  `json:"ephemeral_key" cbor:"8,keyasint"`
	SignedPreKeyID    KeyID         `json:"signed_pre_key_id,omitempty" cbor:"9,keyasint,omitempty"`
	OneTimePreKeyID   KeyID         `json:"one_time_pre_key_id,omitempty" cbor:"10,keyasint,omitempty"`
	HasOneTimePreKey  bool          `json:"has_one_time_pre_key,omitempty" cbor:"11,keyasint,omitempty"`
	IdentitySignature []byte        `json:"identity_signature,omitempty" cbor:"12,keyasint,omitempty"`
	Timestamp         int64         `json:"timestamp" cbor:"13,keyasint"`
}

// FrameKind tags the payload carried by a transport frame.
type FrameKind uint8

const (
	FrameEnvelope FrameKind = iota + 1
	FrameHandshake
)

// Frame is what the transport collaborator carries between peers.
type Frame struct {
	Kind      FrameKind         `json:"kind" cbor:"1,keyasint"`
	Envelope  *Envelope         `json:"envelope,omitempty" cbor:"2,keyasint,omitempty"`
	Handshake *HandshakeMessage `json:"handshake,omitempty" cbor:"3,keyasint,omitempty"`
}

// SendResult is returned by the transport collaborator.
type SendResult struct {
	Success bool `json:"success"`
}
