package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"carecrypt/internal/domain"
)

func TestStructErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
		warning  bool
	}{
		{"replay", &domain.ReplayDetectedError{Reason: "duplicate_message_id"}, domain.ErrReplayDetected, true},
		{"mitm", &domain.MITMDetectedError{Peer: "bob", Reason: "unknown_key_fingerprint"}, domain.ErrMITMDetected, true},
		{"zk", &domain.ZeroKnowledgeViolationError{Reason: "plaintext_field", Field: "message"}, domain.ErrZeroKnowledgeViolation, false},
		{"crypto", &domain.CryptoProviderError{Op: "rand", Err: errors.New("boom")}, domain.ErrCryptoProvider, false},
		{"manual", domain.ErrManualVerificationFailed, domain.ErrManualVerificationFailed, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			if !errors.Is(wrapped, tc.sentinel) {
				t.Fatalf("errors.Is(%v, %v) = false", wrapped, tc.sentinel)
			}
			if got := domain.IsSecurityWarning(wrapped); got != tc.warning {
				t.Fatalf("IsSecurityWarning = %v, want %v", got, tc.warning)
			}
		})
	}
}
