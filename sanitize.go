package pilot

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SanitizeAction is what a matched input rule does to the call.
type SanitizeAction string

const (
	// SanitizeBlock aborts the call with INPUT_BLOCKED.
	SanitizeBlock SanitizeAction = "block"
	// SanitizeReplace substitutes the rule's replacement in the serialised
	// input and re-parses it.
	SanitizeReplace SanitizeAction = "sanitize"
	// SanitizeWarn records a violation and lets the call proceed.
	SanitizeWarn SanitizeAction = "warn"
)

// SanitizeRule is one ordered input-sanitisation rule.
type SanitizeRule struct {
	Name        string
	Pattern     *regexp.Regexp
	Level       ViolationLevel
	Action      SanitizeAction
	Replacement string
}

// zeroWidthChars are Unicode zero-width and invisible characters used to
// smuggle payloads past pattern matching.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", " ", // zero-width space
	"\u200c", " ", // zero-width non-joiner
	"\u200d", " ", // zero-width joiner
	"\ufeff", " ", // zero-width no-break space (BOM)
	"\u2060", " ", // word joiner
	"\u00ad", "", // soft hyphen (removed, not replaced)
)

// DefaultSanitizeRules returns the built-in ordered ruleset: SQL-injection
// tokens, shell metacharacters, path traversal, script tags, null bytes.
func DefaultSanitizeRules() []SanitizeRule {
	return []SanitizeRule{
		{
			Name:    "null-bytes",
			Pattern: regexp.MustCompile(`\x00|\\u0000`),
			Level:   LevelHigh,
			Action:  SanitizeBlock,
		},
		{
			Name:    "sql-injection",
			Pattern: regexp.MustCompile(`(?i)('\s*(or|and)\s+'?\d|union\s+select|;\s*drop\s+table|--\s*$|/\*.*\*/)`),
			Level:   LevelHigh,
			Action:  SanitizeBlock,
		},
		{
			Name:    "script-tags",
			Pattern: regexp.MustCompile(`(?i)<\s*script[^>]*>`),
			Level:   LevelHigh,
			Action:  SanitizeBlock,
		},
		{
			Name:        "path-traversal",
			Pattern:     regexp.MustCompile(`\.\./|\.\.\\`),
			Level:       LevelMedium,
			Action:      SanitizeReplace,
			Replacement: "",
		},
		{
			Name:    "shell-metacharacters",
			Pattern: regexp.MustCompile("[;&|`$](?:{|\\()?"),
			Level:   LevelLow,
			Action:  SanitizeWarn,
		},
	}
}

// Sanitizer applies an ordered ruleset to serialised tool input.
// Safe for concurrent use once constructed.
type Sanitizer struct {
	rules []SanitizeRule
}

// NewSanitizer creates a sanitizer. With no rules, the defaults apply.
func NewSanitizer(rules []SanitizeRule) *Sanitizer {
	if rules == nil {
		rules = DefaultSanitizeRules()
	}
	return &Sanitizer{rules: rules}
}

// Sanitize runs the ruleset over the serialised input. The returned input
// reflects any substitutions; violations describe every rule that fired.
// A block rule aborts with an INPUT_BLOCKED error.
func (s *Sanitizer) Sanitize(input map[string]any) (map[string]any, []Violation, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, nil, Validationf(CodeValidation, "sanitize: input not serialisable: %v", err)
	}

	// Pre-pass: strip zero-width characters and normalise unicode so
	// obfuscated payloads match the rules below.
	text := zeroWidthChars.Replace(string(raw))
	text = norm.NFKC.String(text)

	var violations []Violation
	modified := false
	for _, rule := range s.rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		v := Violation{
			Timestamp:   timeNow(),
			Type:        "input:" + rule.Name,
			Level:       rule.Level,
			Description: "input matched rule " + rule.Name,
			Input:       truncate(text, 200),
		}
		switch rule.Action {
		case SanitizeBlock:
			violations = append(violations, v)
			return nil, violations, Businessf(CodeInputBlocked,
				"input blocked by rule %s", rule.Name).With("rule", rule.Name)
		case SanitizeReplace:
			text = rule.Pattern.ReplaceAllString(text, rule.Replacement)
			modified = true
			violations = append(violations, v)
		case SanitizeWarn:
			violations = append(violations, v)
		}
	}

	if !modified {
		return input, violations, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		// Substitution broke the JSON shape; refuse rather than pass
		// through a mangled payload.
		return nil, violations, Businessf(CodeInputBlocked,
			"input unparseable after sanitisation")
	}
	return out, violations, nil
}

// truncate limits a string to n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
