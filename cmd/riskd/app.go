package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/taskrisk/internal/audit"
	"github.com/basket/taskrisk/internal/bus"
	"github.com/basket/taskrisk/internal/cache"
	"github.com/basket/taskrisk/internal/config"
	"github.com/basket/taskrisk/internal/jobs"
	otelPkg "github.com/basket/taskrisk/internal/otel"
	"github.com/basket/taskrisk/internal/persistence"
	"github.com/basket/taskrisk/internal/reasoning"
	"github.com/basket/taskrisk/internal/risk"
	"github.com/basket/taskrisk/internal/telemetry"
)

// app holds everything a command needs. Build it with newApp and release it
// with Close.
type app struct {
	cfg     config.Config
	logger  *telemetry.Logger
	bus     *bus.Bus
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	store   *persistence.Store
	client  *reasoning.Client
	cache   *cache.RiskCache
	queue   *jobs.Queue
	audit   *audit.Log
	engine  *risk.Engine
}

type appOptions struct {
	root *rootOptions
	// quiet keeps logs out of stdout so command output stays readable.
	quiet bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.root != nil && opts.root.logLevel != "" {
		cfg.LogLevel = opts.root.logLevel
	}

	logger, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}

	a.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		Headers:        cfg.OTel.Headers,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.OTel.SampleRate,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.metrics, err = otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store.SetMaxAttempts(cfg.Workers.MaxAttempts)

	a.client = buildReasoningClient(ctx, cfg, a.store, logger.Logger, a.otel.Tracer, a.metrics)

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "sqlite":
		backend = cache.NewSQLiteBackend(a.store)
	default:
		backend = cache.NewMemoryBackend(cfg.Cache.MaxEntries)
	}
	a.cache = cache.New(backend, cache.WithLogger(logger.Logger))
	a.queue = jobs.NewQueue(a.store)

	engineCfg := risk.EngineConfig{
		Snapshots: a.store,
		Store:     a.store,
		Cache:     a.cache,
		Jobs:      a.queue,
		Client:    a.client,
		Weights:   engineWeights(cfg.Weights),
		Bus:       a.bus,
		Logger:    logger.Logger,
		Tracer:    a.otel.Tracer,
		Metrics:   a.metrics,
	}
	if cfg.AuditLog {
		a.audit, err = audit.Open(cfg.HomeDir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.audit.SetSink(a.store)
		engineCfg.Audit = a.audit
	}

	a.engine, err = risk.NewEngine(engineCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition. It is safe on a
// partially built app.
func (a *app) Close() {
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.bus.Close()
	if a.otel != nil {
		_ = a.otel.Shutdown(context.Background())
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func engineWeights(w config.WeightsConfig) risk.Weights {
	return risk.Weights{
		Time:          float64(w.Time),
		Complexity:    float64(w.Complexity),
		RoleFit:       float64(w.RoleFit),
		Dependency:    float64(w.Dependency),
		Communication: float64(w.Communication),
	}
}

func reasoningLimits(cfg config.Config) reasoning.Limits {
	return reasoning.Limits{
		Timeout:         cfg.ReasoningTimeout(),
		MaxBytes:        cfg.Reasoning.MaxResponseBytes,
		Stream:          cfg.Reasoning.Stream,
		MaxPromptTokens: cfg.Reasoning.MaxPromptTokens,
	}
}

func newProviderService(ctx context.Context, cfg config.Config, provider string, logger *slog.Logger) *reasoning.GenkitService {
	gc := reasoning.GenkitConfig{
		Provider: provider,
		Model:    cfg.ProviderModel(provider),
		APIKey:   cfg.ProviderAPIKey(provider),
	}
	if provider == "openai_compatible" {
		gc.CompatibleProvider = cfg.LLM.CompatibleProvider
		gc.CompatibleBaseURL = cfg.LLM.CompatibleBaseURL
	}
	if p, ok := cfg.Providers[provider]; ok {
		gc.BaseURL = p.BaseURL
	}
	return reasoning.NewGenkitService(ctx, gc, logger)
}

// buildReasoningClient wires the primary provider and, when fallbacks are
// configured, a failover chain whose breaker state survives restarts in kv.
func buildReasoningClient(ctx context.Context, cfg config.Config, kv reasoning.KVStore, logger *slog.Logger, tracer trace.Tracer, metrics *otelPkg.Metrics) *reasoning.Client {
	primary := newProviderService(ctx, cfg, cfg.LLM.Provider, logger)
	var svc reasoning.Service = primary

	var fallbacks []reasoning.Named
	for _, name := range cfg.LLM.FallbackProviders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == cfg.LLM.Provider {
			continue
		}
		fallbacks = append(fallbacks, reasoning.Named{Name: name, Service: newProviderService(ctx, cfg, name, logger)})
	}
	if len(fallbacks) > 0 {
		fo := reasoning.NewFailoverService(
			reasoning.Named{Name: cfg.LLM.Provider, Service: primary},
			fallbacks, cfg.LLM.FailoverThreshold, cfg.FailoverCooldown(), logger)
		fo.SetKVStore(kv)
		fo.LoadBreakerState(ctx)
		svc = fo
	}

	return reasoning.NewClient(svc, reasoning.ClientConfig{
		Limits:   reasoningLimits(cfg),
		Provider: cfg.LLM.Provider,
		Model:    cfg.ProviderModel(cfg.LLM.Provider),
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,
	})
}
