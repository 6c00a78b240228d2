package types

import "time"

// VerificationMethod records how a key fingerprint came to be trusted.
type VerificationMethod string

const (
	VerifiedTrustOnFirstUse VerificationMethod = "trust_on_first_use"
	VerifiedKnownKey        VerificationMethod = "known_key"
	VerifiedOutOfBand       VerificationMethod = "out_of_band"
)

// KeyVerification is one entry of a peer's KeyVerificationRecord.
type KeyVerification struct {
	Fingerprint Fingerprint        `json:"fingerprint"`
	KeyID       KeyID              `json:"key_id"`
	VerifiedAt  time.Time          `json:"verified_at"`
	Method      VerificationMethod `json:"method"`
}

// KeyData is the key material presented during a key exchange.
//
// Signature, when present, is verified with SigningKey over SignedMessage
// (or over PublicKey when SignedMessage is empty).
type KeyData struct {
	PublicKey     []byte        `json:"public_key"`
	KeyID         KeyID         `json:"key_id"`
	Timestamp     int64         `json:"timestamp"`
	Signature     []byte        `json:"signature,omitempty"`
	SignedMessage []byte        `json:"signed_message,omitempty"`
	SigningKey    Ed25519Public `json:"signing_key"`
}

// ForwardSecrecyRecord tracks the scheduled deletion of one pre-key.
type ForwardSecrecyRecord struct {
	KeyID               KeyID     `json:"key_id"`
	KeyType             KeyType   `json:"key_type"`
	CreatedAt           time.Time `json:"created_at"`
	ScheduledDeletionAt time.Time `json:"scheduled_deletion_at"`
	Deleted             bool      `json:"deleted"`
	DeletedAt           time.Time `json:"deleted_at"`
}

// ForwardSecrecyReport summarises the forward-secrecy ledger.
type ForwardSecrecyReport struct {
	TotalKeys       int  `json:"total_keys"`
	DeletedKeys     int  `json:"deleted_keys"`
	ExpectedDeleted int  `json:"expected_deleted"`
	Maintained      bool `json:"maintained"`
}

// ReplayEntry is one row of the replay ledger.
type ReplayEntry struct {
	MessageID   MessageID `json:"message_id"`
	ContentHash string    `json:"content_hash"`
	SenderID    PeerID    `json:"sender_id"`
	Timestamp   int64     `json:"timestamp"`
	RecordedAt  time.Time `json:"recorded_at"`
}
