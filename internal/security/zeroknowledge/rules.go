package zeroknowledge

import "regexp"

// RuleKind is the tag of a field rule.
type RuleKind int

const (
	// Disallowed fields must not carry readable text.
	Disallowed RuleKind = iota
	// RequiredBinary fields must hold base64 of the given size (0 = any non-empty).
	RequiredBinary
	// Opaque fields hold binary data and are exempt from the PHI scan.
	Opaque
)

// Rule applies to a single field name.
type Rule struct {
	Field string
	Kind  RuleKind
	Size  int
}

// DefaultRules is the envelope rule set.
var DefaultRules = []Rule{
	{Field: "message", Kind: Disallowed},
	{Field: "content", Kind: Disallowed},
	{Field: "text", Kind: Disallowed},
	{Field: "body", Kind: Disallowed},
	{Field: "ciphertext", Kind: RequiredBinary},
	{Field: "nonce", Kind: RequiredBinary, Size: 12},
	{Field: "tag", Kind: RequiredBinary, Size: 16},
	{Field: "identity_signature", Kind: Opaque},
	{Field: "identity_key", Kind: Opaque},
	{Field: "signing_key", Kind: Opaque},
	{Field: "ephemeral_key", Kind: Opaque},
}

// PHIPattern is a named regular expression for PHI-shaped text.
type PHIPattern struct {
	Name string
	Re   *regexp.Regexp
}

// DefaultPHIPatterns covers name pairs, SSN-like groups and common date forms.
var DefaultPHIPatterns = []PHIPattern{
	{Name: "name_pair", Re: regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)},
	{Name: "ssn", Re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{Name: "date", Re: regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2,4}|\d{4}-\d{2}-\d{2})\b`)},
}

// ReadableRatio is the letter-and-space share above which text counts as readable.
const ReadableRatio = 0.5
