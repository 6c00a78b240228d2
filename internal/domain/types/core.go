package types

import "strconv"

// PeerID identifies a user known to the key-distribution service.
type PeerID string

// String returns the string form of the peer identifier.
func (p PeerID) String() string { return string(p) }

// Fingerprint is a hex digest presented to users for key comparison.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// KeyID identifies a signed or one-time pre-key.
type KeyID uint32

// String returns the decimal form of the key identifier.
func (id KeyID) String() string { return strconv.FormatUint(uint64(id), 10) }

// SessionID uniquely identifies an established session.
type SessionID string

// String returns the string form of the session identifier.
func (id SessionID) String() string { return string(id) }

// MessageID uniquely identifies an envelope.
type MessageID string

// String returns the string form of the message identifier.
func (id MessageID) String() string { return string(id) }

// KeyType distinguishes the pre-key families tracked for forward secrecy.
type KeyType string

const (
	KeyTypeSignedPreKey  KeyType = "signed_pre_key"
	KeyTypeOneTimePreKey KeyType = "one_time_pre_key"
)

// KeyRef names a single pre-key.
type KeyRef struct {
	Type KeyType `json:"type"`
	ID   KeyID   `json:"id"`
}

// String returns "<type>/<id>".
func (r KeyRef) String() string { return string(r.Type) + "/" + r.ID.String() }
