package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCryptoProvider           = errors.New("crypto provider unavailable")
	ErrKeyNotFound              = errors.New("key not found")
	ErrPeerBundleNotFound       = errors.New("peer bundle not found")
	ErrHandshakeInProgress      = errors.New("handshake already in progress")
	ErrHandshakeExpired         = errors.New("handshake expired")
	ErrDecryption               = errors.New("decryption failed")
	ErrMalformedEnvelope        = errors.New("malformed envelope")
	ErrKeyDeletionVerification  = errors.New("key still present after secure deletion")
	ErrManualVerificationFailed = errors.New("manual key verification failed")
	ErrReplayDetected           = errors.New("replay detected")
	ErrMITMDetected             = errors.New("possible man-in-the-middle")
	ErrZeroKnowledgeViolation   = errors.New("zero-knowledge violation")
)

// CryptoProviderError wraps a failure of the randomness source or a primitive.
type CryptoProviderError struct {
	Op  string
	Err error
}

func (e *CryptoProviderError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrCryptoProvider, e.Err)
}

func (e *CryptoProviderError) Unwrap() error { return e.Err }

// Is matches ErrCryptoProvider.
func (e *CryptoProviderError) Is(target error) bool { return target == ErrCryptoProvider }

// ReplayDetectedError reports why an envelope was rejected by the replay ledger.
type ReplayDetectedError struct {
	Reason string
}

func (e *ReplayDetectedError) Error() string { return "replay detected: " + e.Reason }

// Is matches ErrReplayDetected.
func (e *ReplayDetectedError) Is(target error) bool { return target == ErrReplayDetected }

// MITMDetectedError aborts session establishment with a peer.
type MITMDetectedError struct {
	Peer   PeerID
	Reason string
}

func (e *MITMDetectedError) Error() string {
	return fmt.Sprintf("possible man-in-the-middle for %s: %s", e.Peer, e.Reason)
}

// Is matches ErrMITMDetected.
func (e *MITMDetectedError) Is(target error) bool { return target == ErrMITMDetected }

// ZeroKnowledgeViolationError blocks an envelope that looks like it leaks plaintext.
type ZeroKnowledgeViolationError struct {
	Reason string
	Field  string
}

func (e *ZeroKnowledgeViolationError) Error() string {
	if e.Field == "" {
		return "zero-knowledge violation: " + e.Reason
	}
	return fmt.Sprintf("zero-knowledge violation: %s (field %q)", e.Reason, e.Field)
}

// Is matches ErrZeroKnowledgeViolation.
func (e *ZeroKnowledgeViolationError) Is(target error) bool {
	return target == ErrZeroKnowledgeViolation
}

// IsSecurityWarning reports whether err should be shown as a security warning
// rather than a generic failure.
func IsSecurityWarning(err error) bool {
	return errors.Is(err, ErrMITMDetected) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrManualVerificationFailed)
}
