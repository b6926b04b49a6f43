// Package reasoning talks to the external text-generation service the risk
// analyzers consult for judgment calls, and turns every way that call can
// go wrong into a typed Failure the analyzers can fall back on.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/taskrisk/internal/config"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Request is one prompt sent to the reasoning service.
type Request struct {
	System string
	Prompt string
}

// Service is the reasoning abstraction used by the analyzers.
type Service interface {
	Respond(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onChunk func(chunk string) error) error
}

// GenkitConfig selects and authenticates a provider.
type GenkitConfig struct {
	// Provider is one of google, anthropic, openai, openai_compatible,
	// openrouter. Empty defaults to google.
	Provider string
	Model    string
	APIKey   string

	CompatibleProvider string
	CompatibleBaseURL  string
	BaseURL            string
}

// GenkitService is a Service backed by Genkit. Without an API key it is
// disabled and every call fails with ErrDisabled.
type GenkitService struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	logger   *slog.Logger
}

// NewGenkitService initializes Genkit with the configured provider.
func NewGenkitService(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) *GenkitService {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = config.DefaultModel(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	svc := &GenkitService{provider: provider, model: modelID, logger: logger}
	if apiKey == "" {
		svc.g = genkit.Init(ctx)
		logger.Warn("reasoning provider API key missing; analyzers will use deterministic fallbacks", "provider", provider)
		return svc
	}

	switch provider {
	case "anthropic":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		svc.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
	case "openai":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		svc.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "openai_compatible":
		svc.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.CompatibleBaseURL,
		}))
	case "openrouter":
		svc.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		svc.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+modelID),
		)
	default:
		svc.g = genkit.Init(ctx)
		logger.Warn("unknown reasoning provider; analyzers will use deterministic fallbacks", "provider", provider)
		return svc
	}
	svc.llmOn = true
	logger.Info("reasoning service initialized", "provider", provider, "model", modelID)
	return svc
}

// Enabled reports whether a provider is configured.
func (s *GenkitService) Enabled() bool { return s.llmOn }

// Provider returns the normalized provider name.
func (s *GenkitService) Provider() string { return s.provider }

// Model returns the model id in use.
func (s *GenkitService) Model() string { return s.model }

func (s *GenkitService) options(req Request) ([]ai.GenerateOption, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("reasoning: empty prompt")
	}
	// ai.WithPrompt and ai.WithSystem format their argument.
	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(s.provider, s.model)),
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	return opts, nil
}

// Respond generates a complete response.
func (s *GenkitService) Respond(ctx context.Context, req Request) (string, error) {
	if !s.llmOn {
		return "", ErrDisabled
	}
	opts, err := s.options(req)
	if err != nil {
		return "", err
	}
	resp, err := genkit.Generate(ctx, s.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// Stream generates a response, invoking onChunk for every text part.
func (s *GenkitService) Stream(ctx context.Context, req Request, onChunk func(chunk string) error) error {
	if !s.llmOn {
		return ErrDisabled
	}
	opts, err := s.options(req)
	if err != nil {
		return err
	}

	streamed := false
	for streamVal, err := range genkit.GenerateStream(ctx, s.g, opts...) {
		if err != nil {
			return fmt.Errorf("stream error: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					streamed = true
					if err := onChunk(part.Text); err != nil {
						return err
					}
				}
			}
		}
		// Some providers only populate the final response.
		if streamVal.Done && streamVal.Response != nil && !streamed {
			if text := streamVal.Response.Text(); text != "" {
				return onChunk(text)
			}
		}
	}
	return nil
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = config.DefaultModel(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
