package audit

import (
	"regexp"
	"strings"
)

const redacted = "***"

// Redactor scrubs secrets out of strings before they are persisted.
type Redactor interface {
	RedactString(string) string
}

type RegexRedactor struct {
	patterns []*regexp.Regexp
}

func DefaultRedactPatterns() []string {
	return []string{
		`(?i)token=\w+`,
		`(?i)secret=\w+`,
		`(?i)password=\S+`,
		`(?i)x-api-key:\s*\S+`,
		`(?i)bearer\s+[a-z0-9._~+/=-]+`,
		`AKIA[0-9A-Z]{16}`,
	}
}

// NewRedactor compiles patterns, skipping any that do not compile. It returns
// nil when nothing usable remains; a nil redactor passes input through.
func NewRedactor(patterns []string) *RegexRedactor {
	var compiled []*regexp.Regexp
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if re, err := regexp.Compile(pattern); err == nil {
			compiled = append(compiled, re)
		}
	}
	if len(compiled) == 0 {
		return nil
	}
	return &RegexRedactor{patterns: compiled}
}

func (r *RegexRedactor) RedactString(input string) string {
	if r == nil || input == "" {
		return input
	}
	out := input
	for _, re := range r.patterns {
		out = re.ReplaceAllString(out, redacted)
	}
	return out
}

var sensitiveKeys = []string{"password", "secret", "token", "api_key", "apikey", "authorization", "credential", "private_key"}

func sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// redactValue walks decoded JSON. Values under sensitive keys are masked
// outright; every other string goes through the redactor.
func redactValue(r Redactor, v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if _, isString := inner.(string); isString && sensitiveKey(k) {
				t[k] = redacted
				continue
			}
			t[k] = redactValue(r, inner)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(r, t[i])
		}
		return t
	case string:
		if r == nil {
			return t
		}
		return r.RedactString(t)
	default:
		return v
	}
}
