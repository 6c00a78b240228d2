package domain

import (
	interfaces "carecrypt/internal/domain/interfaces"
	types "carecrypt/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	PeerID               = types.PeerID
	Fingerprint          = types.Fingerprint
	KeyID                = types.KeyID
	SessionID            = types.SessionID
	MessageID            = types.MessageID
	KeyType              = types.KeyType
	KeyRef               = types.KeyRef
	Identity             = types.Identity
	SignedPreKey         = types.SignedPreKey
	OneTimePreKey        = types.OneTimePreKey
	OneTimePreKeyPublic  = types.OneTimePreKeyPublic
	PreKeyBundle         = types.PreKeyBundle
	RotationStatus       = types.RotationStatus
	HandshakeState       = types.HandshakeState
	HandshakeKind        = types.HandshakeKind
	HandshakeMessage     = types.HandshakeMessage
	Role                 = types.Role
	Session              = types.Session
	Envelope             = types.Envelope
	Frame                = types.Frame
	FrameKind            = types.FrameKind
	SendResult           = types.SendResult
	VerificationMethod   = types.VerificationMethod
	KeyVerification      = types.KeyVerification
	KeyData              = types.KeyData
	ForwardSecrecyRecord = types.ForwardSecrecyRecord
	ForwardSecrecyReport = types.ForwardSecrecyReport
	ReplayEntry          = types.ReplayEntry
	Event                = types.Event
	EventType            = types.EventType
	X25519Public         = types.X25519Public
	X25519Private        = types.X25519Private
	Ed25519Public        = types.Ed25519Public
	Ed25519Private       = types.Ed25519Private
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	KeyStore        = interfaces.KeyStore
	KeyDistribution = interfaces.KeyDistribution
	Transport       = interfaces.Transport
	Inbox           = interfaces.Inbox
	Auditor         = interfaces.Auditor
	Confirmer       = interfaces.Confirmer
	ConfirmerFunc   = interfaces.ConfirmerFunc
)

// Constants re-exported for callers that only import domain.
const (
	KeyTypeSignedPreKey  = types.KeyTypeSignedPreKey
	KeyTypeOneTimePreKey = types.KeyTypeOneTimePreKey

	HandshakeNone        = types.HandshakeNone
	HandshakePending     = types.HandshakePending
	HandshakeEstablished = types.HandshakeEstablished

	HandshakeInit     = types.HandshakeInit
	HandshakeResponse = types.HandshakeResponse

	RoleInitiator = types.RoleInitiator
	RoleResponder = types.RoleResponder

	FrameEnvelope  = types.FrameEnvelope
	FrameHandshake = types.FrameHandshake

	VerifiedTrustOnFirstUse = types.VerifiedTrustOnFirstUse
	VerifiedKnownKey        = types.VerifiedKnownKey
	VerifiedOutOfBand       = types.VerifiedOutOfBand

	EventKeyRotation            = types.EventKeyRotation
	EventKeyDeletion            = types.EventKeyDeletion
	EventKeyDeletionFailed      = types.EventKeyDeletionFailed
	EventReplayDetected         = types.EventReplayDetected
	EventMITMDetected           = types.EventMITMDetected
	EventHandshakeEstablished   = types.EventHandshakeEstablished
	EventZeroKnowledgeViolation = types.EventZeroKnowledgeViolation
)
