// Package safety screens task text before it is sent to the reasoning
// service. Descriptions and comments are written by anyone on the project,
// so they are treated as untrusted input.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the recommended response to screened text.
type Action int

const (
	ActionAllow Action = iota
	// ActionWarn lets the text through but should be logged.
	ActionWarn
	// ActionBlock means the text must not reach the reasoning service.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	}
	return "allow"
}

// Verdict is the outcome of Screen.
type Verdict struct {
	Action Action
	Reason string
	// Excerpt is a short slice of the matched text for logs.
	Excerpt string
}

// Blocked reports whether the text must be kept from the service.
func (v Verdict) Blocked() bool { return v.Action == ActionBlock }

// Err returns a descriptive error for a blocked verdict and nil otherwise.
func (v Verdict) Err() error {
	if !v.Blocked() {
		return nil
	}
	return fmt.Errorf("safety: instruction injection in task text: %s", v.Reason)
}

type rule struct {
	re     *regexp.Regexp
	action Action
	reason string
}

// Ordered: the first blocking match wins over any earlier warning.
var rules = []rule{
	{
		re:     regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(the\s+)?(previous|above|prior|earlier)\s+(instructions?|prompts?|rules?)\b`),
		action: ActionBlock,
		reason: "asks the model to ignore its instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(disregard|forget)\s+(everything|all|your)\b`),
		action: ActionBlock,
		reason: "asks the model to drop its instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`),
		action: ActionBlock,
		reason: "identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(the\s+)?(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(set|force|make)\s+(the\s+)?(risk|score|risk\s+score|level)\s+(to|=)\s*(0|zero|minimal|low|\d+)\b`),
		action: ActionBlock,
		reason: "attempts to dictate the score",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|print|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?)\b`),
		action: ActionBlock,
		reason: "system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "[SYSTEM] marker",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "chat template tag",
	},
	{
		re:     regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`),
		action: ActionWarn,
		reason: "base64 of \"ignore\"",
	},
}

// Screen checks text for instruction injection. A blocking rule anywhere in
// the text takes precedence over warnings.
func Screen(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{}
	}
	var warn *Verdict
	for _, r := range rules {
		loc := r.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		v := Verdict{Action: r.action, Reason: r.reason, Excerpt: excerpt(text[loc[0]:loc[1]])}
		if r.action == ActionBlock {
			return v
		}
		if warn == nil {
			warn = &v
		}
	}
	if warn != nil {
		return *warn
	}
	return Verdict{}
}

func excerpt(s string) string {
	const max = 40
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
