package pilot

import "regexp"

// FilterAction is what a matched output rule does to the result.
type FilterAction string

const (
	// FilterRedact substitutes the rule's replacement in the output.
	FilterRedact FilterAction = "redact"
	// FilterBlock converts the call into a failure with OUTPUT_BLOCKED.
	FilterBlock FilterAction = "block"
	// FilterWarn records a violation and passes the output through.
	FilterWarn FilterAction = "warn"
)

// FilterRule is one ordered output-filtering rule.
type FilterRule struct {
	Name        string
	Pattern     *regexp.Regexp
	Level       ViolationLevel
	Action      FilterAction
	Replacement string
}

// DefaultFilterRules returns the built-in ordered ruleset: JWTs, PEM
// blocks, card-number shapes, and long high-entropy tokens.
func DefaultFilterRules() []FilterRule {
	return []FilterRule{
		{
			Name:        "jwt",
			Pattern:     regexp.MustCompile(`eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
			Level:       LevelCritical,
			Action:      FilterRedact,
			Replacement: "[REDACTED:jwt]",
		},
		{
			Name:        "pem-block",
			Pattern:     regexp.MustCompile(`-----BEGIN [A-Z ]+-----[\s\S]*?-----END [A-Z ]+-----`),
			Level:       LevelCritical,
			Action:      FilterRedact,
			Replacement: "[REDACTED:pem]",
		},
		{
			Name:        "card-number",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
			Level:       LevelHigh,
			Action:      FilterRedact,
			Replacement: "[REDACTED:card]",
		},
		{
			Name:        "high-entropy-token",
			Pattern:     regexp.MustCompile(`\b[A-Za-z0-9+/_-]{40,}={0,2}\b`),
			Level:       LevelMedium,
			Action:      FilterRedact,
			Replacement: "[REDACTED:token]",
		},
	}
}

// OutputFilter applies an ordered ruleset to serialised tool output.
// Safe for concurrent use once constructed.
type OutputFilter struct {
	rules []FilterRule
}

// NewOutputFilter creates an output filter. With no rules, the defaults
// apply.
func NewOutputFilter(rules []FilterRule) *OutputFilter {
	if rules == nil {
		rules = DefaultFilterRules()
	}
	return &OutputFilter{rules: rules}
}

// Filter runs the ruleset over the output. The returned string reflects
// any redactions; a block rule aborts with an OUTPUT_BLOCKED error.
func (f *OutputFilter) Filter(output string) (string, []Violation, error) {
	var violations []Violation
	for _, rule := range f.rules {
		if !rule.Pattern.MatchString(output) {
			continue
		}
		v := Violation{
			Timestamp:   timeNow(),
			Type:        "output:" + rule.Name,
			Level:       rule.Level,
			Description: "output matched rule " + rule.Name,
		}
		switch rule.Action {
		case FilterBlock:
			violations = append(violations, v)
			return "", violations, Businessf(CodeOutputBlocked,
				"output blocked by rule %s", rule.Name).With("rule", rule.Name)
		case FilterRedact:
			output = rule.Pattern.ReplaceAllString(output, rule.Replacement)
			violations = append(violations, v)
		case FilterWarn:
			violations = append(violations, v)
		}
	}
	return output, violations, nil
}
