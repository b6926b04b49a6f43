package reasoning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks a reasoning response against the JSON Schema an
// analyzer expects back.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// NewValidator compiles schemaJSON. name is used in error messages and as
// the schema resource id.
func NewValidator(name, schemaJSON string) (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: schema}, nil
}

// MustValidator is NewValidator for package-level schemas.
func MustValidator(name, schemaJSON string) *Validator {
	v, err := NewValidator(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidationError describes why a response could not be used.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// Validate extracts a JSON document from text and validates it. It
// returns the normalized JSON on success.
func (v *Validator) Validate(text string) (string, error) {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return "", &ValidationError{Message: "response does not contain valid JSON", Raw: text}
	}

	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return "", &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: text}
	}
	if v == nil || v.schema == nil {
		return jsonStr, nil
	}
	if err := v.schema.Validate(parsed); err != nil {
		return "", &ValidationError{
			Message: fmt.Sprintf("%s schema validation failed: %s", v.name, err),
			Raw:     text,
		}
	}
	return jsonStr, nil
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

// extractJSON finds a JSON object or array in the response text. Trailing
// commas, a common model artifact, are repaired before giving up.
func extractJSON(text string) string {
	for _, candidate := range jsonCandidates(text) {
		if isJSON(candidate) {
			return candidate
		}
		if repaired := trailingCommaPattern.ReplaceAllString(candidate, "$1"); isJSON(repaired) {
			return repaired
		}
	}
	return ""
}

// jsonCandidates lists substrings that may hold the payload, most specific first.
func jsonCandidates(text string) []string {
	var out []string

	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				out = append(out, candidate)
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				out = append(out, candidate)
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if candidate := extractBalanced(text[i:]); candidate != "" {
				out = append(out, candidate)
				i += len(candidate) - 1
			}
		}
	}
	return out
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var closer byte
	switch open {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == closer {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
