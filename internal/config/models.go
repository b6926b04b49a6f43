package config

// BuiltinModels lists known models per provider; the first entry is the default.
var BuiltinModels = map[string][]string{
	"google":     {"gemini-2.5-flash", "gemini-2.5-pro"},
	"anthropic":  {"claude-sonnet-4-5", "claude-haiku-4-5"},
	"openai":     {"gpt-4o-mini", "gpt-4o"},
	"openrouter": {"openrouter/auto"},
}

// DefaultModel returns the first built-in model for provider, or "".
func DefaultModel(provider string) string {
	if provider == "openai_compatible" {
		provider = "openai"
	}
	models, ok := BuiltinModels[provider]
	if !ok || len(models) == 0 {
		return ""
	}
	return models[0]
}
