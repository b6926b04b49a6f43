package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for the reasoning service.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LLMConfig selects the reasoning provider and its failover chain.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// OpenAI compatible endpoints need a provider label and base URL.
	CompatibleProvider string `yaml:"compatible_provider"`
	CompatibleBaseURL  string `yaml:"compatible_base_url"`

	// FallbackProviders are tried in order when the primary fails.
	FallbackProviders []string `yaml:"fallback_providers"`

	// FailoverThreshold is the number of consecutive failures before a provider's
	// circuit breaker trips. Default 5.
	FailoverThreshold int `yaml:"failover_threshold"`

	// FailoverCooldownSeconds is how long a tripped breaker stays open. Default 300.
	FailoverCooldownSeconds int `yaml:"failover_cooldown_seconds"`
}

// ReasoningConfig bounds every analyzer's single outbound call.
type ReasoningConfig struct {
	TimeoutSeconds   int  `yaml:"timeout_seconds"`
	MaxResponseBytes int  `yaml:"max_response_bytes"`
	MaxPromptTokens  int  `yaml:"max_prompt_tokens"`
	Stream           bool `yaml:"stream"`
}

type CacheConfig struct {
	// Backend is "memory" (process lifetime) or "sqlite" (survives restarts).
	Backend    string `yaml:"backend"`
	MaxEntries int    `yaml:"max_entries"`
}

type WorkersConfig struct {
	Count              int `yaml:"count"`
	PollIntervalMillis int `yaml:"poll_interval_ms"`
	JobTimeoutSeconds  int `yaml:"job_timeout_seconds"`
	MaxAttempts        int `yaml:"max_attempts"`
}

type RefreshConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// WeightsConfig is the canonical aggregation table. Values are percentages
// and must sum to 100.
type WeightsConfig struct {
	Time          int `yaml:"time"`
	Complexity    int `yaml:"complexity"`
	RoleFit       int `yaml:"role_fit"`
	Dependency    int `yaml:"dependency"`
	Communication int `yaml:"communication"`
}

// Sum returns the total of all component weights.
func (w WeightsConfig) Sum() int {
	return w.Time + w.Complexity + w.RoleFit + w.Dependency + w.Communication
}

type OTelConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Reasoning ReasoningConfig           `yaml:"reasoning"`
	Cache     CacheConfig               `yaml:"cache"`
	Workers   WorkersConfig             `yaml:"workers"`
	Refresh   RefreshConfig             `yaml:"refresh"`
	Weights   WeightsConfig             `yaml:"weights"`
	OTel      OTelConfig                `yaml:"otel"`

	// AuditLog enables the JSONL run audit under <home>/logs.
	AuditLog bool `yaml:"audit_log"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

// ReasoningTimeout returns the per-call reasoning deadline.
func (c Config) ReasoningTimeout() time.Duration {
	return time.Duration(c.Reasoning.TimeoutSeconds) * time.Second
}

// JobTimeout returns the per-job deadline for background recomputes.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Workers.JobTimeoutSeconds) * time.Second
}

// PollInterval returns how often idle workers poll for queued jobs.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Workers.PollIntervalMillis) * time.Millisecond
}

// FailoverCooldown returns the breaker cooldown.
func (c Config) FailoverCooldown() time.Duration {
	return time.Duration(c.LLM.FailoverCooldownSeconds) * time.Second
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string][]string{
		"google":            {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic":         {"ANTHROPIC_API_KEY"},
		"openai":            {"OPENAI_API_KEY"},
		"openai_compatible": {"OPENAI_API_KEY"},
		"openrouter":        {"OPENROUTER_API_KEY"},
	}
	for _, envVar := range envMap[provider] {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ProviderModel returns the configured model for provider, falling back to
// the built-in default.
func (c Config) ProviderModel(provider string) string {
	if provider == c.LLM.Provider && strings.TrimSpace(c.LLM.Model) != "" {
		return strings.TrimSpace(c.LLM.Model)
	}
	if p, ok := c.Providers[provider]; ok && strings.TrimSpace(p.Model) != "" {
		return strings.TrimSpace(p.Model)
	}
	return DefaultModel(provider)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change risk output.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "provider=%s|model=%s|timeout=%d|weights=%d/%d/%d/%d/%d",
		c.LLM.Provider, c.LLM.Model, c.Reasoning.TimeoutSeconds,
		c.Weights.Time, c.Weights.Complexity, c.Weights.RoleFit, c.Weights.Dependency, c.Weights.Communication)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultWeights is the canonical weight table: time 35, complexity 25,
// role fit 20, dependency 10, communication 10.
func DefaultWeights() WeightsConfig {
	return WeightsConfig{Time: 35, Complexity: 25, RoleFit: 20, Dependency: 10, Communication: 10}
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider:                "google",
			FailoverThreshold:       5,
			FailoverCooldownSeconds: 300,
		},
		Reasoning: ReasoningConfig{
			TimeoutSeconds:   20,
			MaxResponseBytes: 64 << 10,
			MaxPromptTokens:  16000,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 10000,
		},
		Workers: WorkersConfig{
			Count:              2,
			PollIntervalMillis: 200,
			JobTimeoutSeconds:  120,
			MaxAttempts:        3,
		},
		Refresh: RefreshConfig{
			Enabled: true,
			Cron:    "*/30 * * * *",
		},
		Weights:  DefaultWeights(),
		AuditLog: true,
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKRISK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskrisk")
}

// Load reads <HomeDir>/config.yaml, applies env overrides and defaults, and
// validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskrisk home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskrisk.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.FailoverThreshold <= 0 {
		cfg.LLM.FailoverThreshold = 5
	}
	if cfg.LLM.FailoverCooldownSeconds <= 0 {
		cfg.LLM.FailoverCooldownSeconds = 300
	}
	if cfg.Reasoning.TimeoutSeconds <= 0 {
		cfg.Reasoning.TimeoutSeconds = 20
	}
	if cfg.Reasoning.MaxResponseBytes <= 0 {
		cfg.Reasoning.MaxResponseBytes = 64 << 10
	}
	if cfg.Reasoning.MaxPromptTokens <= 0 {
		cfg.Reasoning.MaxPromptTokens = 16000
	}
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 10000
	}
	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = 2
	}
	if cfg.Workers.PollIntervalMillis <= 0 {
		cfg.Workers.PollIntervalMillis = 200
	}
	if cfg.Workers.JobTimeoutSeconds <= 0 {
		cfg.Workers.JobTimeoutSeconds = 120
	}
	if cfg.Workers.MaxAttempts <= 0 {
		cfg.Workers.MaxAttempts = 3
	}
	if strings.TrimSpace(cfg.Refresh.Cron) == "" {
		cfg.Refresh.Cron = "*/30 * * * *"
	}
	if cfg.Weights == (WeightsConfig{}) {
		cfg.Weights = DefaultWeights()
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	w := c.Weights
	for name, v := range map[string]int{
		"time": w.Time, "complexity": w.Complexity, "role_fit": w.RoleFit,
		"dependency": w.Dependency, "communication": w.Communication,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("weights.%s must be >= 0, got %d", name, v))
		}
	}
	if sum := w.Sum(); sum != 100 {
		errs = append(errs, fmt.Errorf("weights must sum to 100, got %d", sum))
	}
	switch c.Cache.Backend {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be memory or sqlite, got %q", c.Cache.Backend))
	}
	switch c.LLM.Provider {
	case "google", "anthropic", "openai", "openai_compatible", "openrouter":
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKRISK_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKRISK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKRISK_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("TASKRISK_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("TASKRISK_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Workers.Count = v
		}
	}
	if raw := os.Getenv("TASKRISK_REASONING_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Reasoning.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKRISK_CACHE_BACKEND"); raw != "" {
		cfg.Cache.Backend = raw
	}
}
