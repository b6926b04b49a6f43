package shared

import (
	"regexp"
	"slices"
)

const redactedPlaceholder = "[REDACTED]"

// secretRule names one credential shape. When keepPrefix is set the first
// submatch (a label such as "api_key=" or "Bearer ") survives so logs still
// say what was hidden.
type secretRule struct {
	kind       string
	re         *regexp.Regexp
	keepPrefix bool
}

var secretRules = []secretRule{
	{kind: "private_key", re: regexp.MustCompile(`(?s)-----BEGIN\s+([A-Z]+\s+)?PRIVATE\s+KEY-----.*?(-----END\s+([A-Z]+\s+)?PRIVATE\s+KEY-----|$)`)},
	{kind: "bearer", re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keepPrefix: true},
	{kind: "assignment", re: regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), keepPrefix: true},
	{kind: "password", re: regexp.MustCompile(`(?i)\b((?:password|passwd|pwd)\s*[:=]\s*"?)[^\s"]{8,}"?`), keepPrefix: true},
	{kind: "google_key", re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{kind: "llm_key", re: regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`)},
	{kind: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{kind: "aws_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
}

// Redact replaces credential-looking fragments with [REDACTED].
func Redact(input string) string {
	out, _ := RedactKinds(input)
	return out
}

// RedactKinds is Redact that also reports which kinds of secret were found,
// sorted and without duplicates.
func RedactKinds(input string) (string, []string) {
	if input == "" {
		return input, nil
	}
	var kinds []string
	out := input
	for _, rule := range secretRules {
		hit := false
		out = rule.re.ReplaceAllStringFunc(out, func(match string) string {
			hit = true
			if rule.keepPrefix {
				if sm := rule.re.FindStringSubmatch(match); len(sm) > 1 {
					return sm[1] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
		if hit {
			kinds = append(kinds, rule.kind)
		}
	}
	slices.Sort(kinds)
	return out, kinds
}
