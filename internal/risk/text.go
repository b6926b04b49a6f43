package risk

import (
	"math"
	"strings"
	"unicode"
)

// normalizedText is lowercased text with every run of non-alphanumerics
// collapsed to one space and a leading and trailing space, so keywords can
// be matched at word starts with a plain substring search.
type normalizedText string

func normalize(parts ...string) normalizedText {
	var sb strings.Builder
	sb.WriteByte(' ')
	space := true
	for _, part := range parts {
		for _, r := range part {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				sb.WriteRune(unicode.ToLower(r))
				space = false
				continue
			}
			if !space {
				sb.WriteByte(' ')
				space = true
			}
		}
		if !space {
			sb.WriteByte(' ')
			space = true
		}
	}
	return normalizedText(sb.String())
}

// has reports whether keyword occurs at the start of a word. Keywords may
// span several words ("data entry"); "develop" also matches "developer".
func (t normalizedText) has(keyword string) bool {
	kw := strings.TrimSpace(string(normalize(keyword)))
	return kw != "" && strings.Contains(string(t), " "+kw)
}

// hasAny reports whether any keyword occurs and returns the first hit.
func (t normalizedText) hasAny(keywords []string) (string, bool) {
	for _, kw := range keywords {
		if t.has(kw) {
			return kw, true
		}
	}
	return "", false
}

func (t normalizedText) empty() bool {
	return strings.TrimSpace(string(t)) == ""
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
