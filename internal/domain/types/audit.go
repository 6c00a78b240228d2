package types

import "time"

// EventType names an audit event. Events never carry plaintext or PHI.
type EventType string

const (
	EventKeyRotation            EventType = "key_rotation"
	EventKeyDeletion            EventType = "key_deletion"
	EventKeyDeletionFailed      EventType = "key_deletion_failed"
	EventReplayDetected         EventType = "replay_detected"
	EventMITMDetected           EventType = "mitm_detected"
	EventHandshakeEstablished   EventType = "handshake_established"
	EventZeroKnowledgeViolation EventType = "zero_knowledge_violation"
)

// Event is a structured, PHI-free audit record.
type Event struct {
	Type   EventType         `json:"type"`
	Time   time.Time         `json:"time"`
	PeerID PeerID            `json:"peer_id,omitempty"`
	KeyID  KeyID             `json:"key_id,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}
