package types

import "time"

// SignedPreKey is a medium-term X25519 key signed by the identity key.
type SignedPreKey struct {
	ID        KeyID         `json:"id"`
	Pub       X25519Public  `json:"pub"`
	Priv      X25519Private `json:"priv"`
	Signature []byte        `json:"signature"`
	CreatedAt time.Time     `json:"created_at"`
}

// OneTimePreKey is a single-use X25519 key consumed by one handshake.
type OneTimePreKey struct {
	ID        KeyID         `json:"id"`
	Pub       X25519Public  `json:"pub"`
	Priv      X25519Private `json:"priv"`
	CreatedAt time.Time     `json:"created_at"`
}

// Public returns only the public half (sent in bundles).
func (k OneTimePreKey) Public() OneTimePreKeyPublic {
	return OneTimePreKeyPublic{ID: k.ID, Pub: k.Pub}
}

// OneTimePreKeyPublic is only the public half of a one-time pre-key.
type OneTimePreKeyPublic struct {
	ID  KeyID        `json:"id"`
	Pub X25519Public `json:"pub"`
}

// PreKeyBundle is the set of public keys published to the key-distribution
// service. A fetched bundle carries at most one one-time pre-key.
type PreKeyBundle struct {
	PeerID                PeerID                `json:"peer_id"`
	IdentityKey           X25519Public          `json:"identity_key"`
	SigningKey            Ed25519Public         `json:"signing_key"`
	IdentityCreatedAt     int64                 `json:"identity_created_at"`
	SignedPreKeyID        KeyID                 `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public          `json:"signed_pre_key"`
	SignedPreKeySignature []byte                `json:"signed_pre_key_signature"`
	OneTimePreKeys        []OneTimePreKeyPublic `json:"one_time_pre_keys,omitempty"`
}

// RotationStatus reports the key lifecycle schedule.
type RotationStatus struct {
	LastRotation         time.Time     `json:"last_rotation"`
	NextRotation         time.Time     `json:"next_rotation"`
	Interval             time.Duration `json:"interval"`
	ActiveSignedPreKeyID KeyID         `json:"active_signed_pre_key_id"`
	OneTimePreKeys       int           `json:"one_time_pre_keys"`
}
