package zeroknowledge

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"unicode"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"carecrypt/internal/domain"
	"carecrypt/internal/wire"
)

// Violation reasons.
const (
	ReasonPlaintextField = "plaintext_field"
	ReasonPHIPattern     = "phi_pattern"
	ReasonMissingField   = "missing_field"
	ReasonMalformedField = "malformed_field"
)

// Result is the outcome of a validation pass.
type Result struct {
	Valid  bool
	Reason string
	Field  string
	// Pattern names the PHI pattern that matched, if any.
	Pattern string
}

// Err returns nil for valid results and a *domain.ZeroKnowledgeViolationError otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &domain.ZeroKnowledgeViolationError{Reason: r.Reason, Field: r.Field}
}

// Validator applies a rule set. The zero value is not usable; call New.
type Validator struct {
	rules    map[string]Rule
	required []Rule
	patterns []PHIPattern
	auditor  domain.Auditor
	clock    clock.Clock
	logger   *zap.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithRules replaces DefaultRules.
func WithRules(rules []Rule) Option { return func(v *Validator) { v.setRules(rules) } }

// WithPatterns replaces DefaultPHIPatterns.
func WithPatterns(p []PHIPattern) Option { return func(v *Validator) { v.patterns = p } }

// WithAuditor reports violations as zero_knowledge_violation events.
func WithAuditor(a domain.Auditor, clk clock.Clock) Option {
	return func(v *Validator) { v.auditor, v.clock = a, clk }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(v *Validator) { v.logger = l.Named("zeroknowledge") } }

// New returns a validator using the default rules and patterns.
func New(opts ...Option) *Validator {
	v := &Validator{patterns: DefaultPHIPatterns, logger: zap.NewNop()}
	v.setRules(DefaultRules)
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Validator) setRules(rules []Rule) {
	v.rules = make(map[string]Rule, len(rules))
	v.required = v.required[:0]
	for _, r := range rules {
		v.rules[r.Field] = r
		if r.Kind == RequiredBinary {
			v.required = append(v.required, r)
		}
	}
}

// ValidateEnvelopeShape runs the rule set over data.
func (v *Validator) ValidateEnvelopeShape(data map[string]any) Result {
	if r := v.scan(data); !r.Valid {
		return r
	}
	return v.checkRequired(data)
}

// CheckEnvelope validates env's JSON form and reports violations.
func (v *Validator) CheckEnvelope(ctx context.Context, env domain.Envelope) error {
	m, err := wire.EnvelopeMap(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	r := v.ValidateEnvelopeShape(m)
	if r.Valid {
		return nil
	}
	v.logger.Warn("envelope blocked",
		zap.String("reason", r.Reason),
		zap.String("field", r.Field),
		zap.String("pattern", r.Pattern))
	if v.auditor != nil {
		v.auditor.Record(ctx, domain.Event{
			Type:   domain.EventZeroKnowledgeViolation,
			Time:   v.clock.Now(),
			PeerID: env.Recipient,
			Reason: r.Reason,
			Attrs:  map[string]string{"field": r.Field},
		})
	}
	return r.Err()
}

// scan walks every value in sorted key order so results are deterministic.
func (v *Validator) scan(data map[string]any) Result {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if r := v.scanValue(k, data[k]); !r.Valid {
			return r
		}
	}
	return Result{Valid: true}
}

func (v *Validator) scanValue(field string, val any) Result {
	rule, hasRule := v.rules[field]
	switch x := val.(type) {
	case map[string]any:
		return v.scan(x)
	case []any:
		for _, item := range x {
			if r := v.scanValue(field, item); !r.Valid {
				return r
			}
		}
	case string:
		if hasRule && (rule.Kind == RequiredBinary || rule.Kind == Opaque) {
			return Result{Valid: true}
		}
		if hasRule && rule.Kind == Disallowed && readable(x) {
			return Result{Reason: ReasonPlaintextField, Field: field}
		}
		for _, p := range v.patterns {
			if p.Re.MatchString(x) {
				return Result{Reason: ReasonPHIPattern, Field: field, Pattern: p.Name}
			}
		}
	}
	return Result{Valid: true}
}

func (v *Validator) checkRequired(data map[string]any) Result {
	target := data
	if _, ok := data[firstRequired(v.required)]; !ok {
		if p, ok := data["payload"].(map[string]any); ok {
			target = p
		}
	}
	for _, r := range v.required {
		raw, ok := target[r.Field]
		if !ok {
			return Result{Reason: ReasonMissingField, Field: r.Field}
		}
		s, ok := raw.(string)
		if !ok {
			return Result{Reason: ReasonMalformedField, Field: r.Field}
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil || len(b) == 0 || (r.Size > 0 && len(b) != r.Size) {
			return Result{Reason: ReasonMalformedField, Field: r.Field}
		}
	}
	return Result{Valid: true}
}

func firstRequired(rules []Rule) string {
	if len(rules) == 0 {
		return ""
	}
	return rules[0].Field
}

// readable reports whether letters and spaces make up more than ReadableRatio of s.
func readable(s string) bool {
	var total, letters int
	for _, r := range s {
		total++
		if unicode.IsLetter(r) || r == ' ' {
			letters++
		}
	}
	return total > 0 && float64(letters)/float64(total) > ReadableRatio
}
