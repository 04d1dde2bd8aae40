// Package scrub removes identifiers from client-visible error text.
//
// Two rules run in order: GUID-shaped substrings become {guid}, then every word
// containing a digit becomes X##. Messages that already contain a '{' are treated
// as templates and returned untouched.
package scrub

import (
	"regexp"
	"strings"
)

const (
	// GUIDToken replaces GUID-shaped substrings.
	GUIDToken = "{guid}"
	// NumericToken replaces words that contain a digit.
	NumericToken = "X##"
)

var (
	guidPattern    = regexp.MustCompile(`(?i)[({]?[0-9a-f]{8}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{4}-?[0-9a-f]{12}[)}]?`)
	numericPattern = regexp.MustCompile(`[\p{L}\p{N}_]*\p{Nd}[\p{L}\p{N}_]*`)

	defaultScrubber = New()
)

// Rule is one ordered pattern/replacement pair.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules returns the GUID rule followed by the digit-word rule.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: guidPattern, Replacement: GUIDToken},
		{Pattern: numericPattern, Replacement: NumericToken},
	}
}

// Scrubber applies its rules in order. It holds no mutable state and is safe for
// concurrent use.
type Scrubber struct {
	rules []Rule
}

// New creates a Scrubber. Without rules it uses DefaultRules.
func New(rules ...Rule) *Scrubber {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Scrubber{rules: rules}
}

// Scrub returns msg with every rule applied, or msg unchanged when it contains '{'.
// A nil Scrubber uses the default rules.
func (s *Scrubber) Scrub(msg string) string {
	if s == nil {
		s = defaultScrubber
	}
	if msg == "" || strings.Contains(msg, "{") {
		return msg
	}

	for _, rule := range s.rules {
		msg = rule.Pattern.ReplaceAllLiteralString(msg, rule.Replacement)
	}
	return msg
}

// Scrub applies the default rules to msg.
func Scrub(msg string) string {
	return defaultScrubber.Scrub(msg)
}
