package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore is the minimal interface needed for breaker state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Named pairs a Service with the provider name used for breaker tracking.
type Named struct {
	Name    string
	Service Service
}

type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// FailoverService tries providers in order, skipping any whose circuit
// breaker is open. It implements Service.
type FailoverService struct {
	candidates []Named
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	// failures before tripping
	threshold int
	cooldown  time.Duration
	kv        KVStore
	now       func() time.Time
}

// NewFailoverService builds a FailoverService. A breaker trips after
// threshold consecutive failures and resets after cooldown.
func NewFailoverService(primary Named, fallbacks []Named, threshold int, cooldown time.Duration, logger *slog.Logger) *FailoverService {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	candidates := append([]Named{primary}, fallbacks...)
	breakers := make(map[string]*circuitBreaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &circuitBreaker{}
	}
	return &FailoverService{
		candidates: candidates,
		logger:     logger,
		breakers:   breakers,
		threshold:  threshold,
		cooldown:   cooldown,
		now:        time.Now,
	}
}

// Respond returns the first successful provider response.
func (f *FailoverService) Respond(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		resp, err := c.Service.Respond(ctx, req)
		if err == nil {
			f.recordSuccess(c.Name)
			return resp, nil
		}
		lastErr = err
		if stop := f.handleFailure(ctx, c.Name, err); stop {
			return "", err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("all provider breakers open")
	}
	return "", fmt.Errorf("failover: all providers failed: %w", lastErr)
}

// Stream fails over only while no chunk has been delivered; a provider that
// dies mid-stream surfaces its error so the caller never sees spliced output.
func (f *FailoverService) Stream(ctx context.Context, req Request, onChunk func(chunk string) error) error {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			f.logger.Info("failover: skipping tripped provider for stream", "provider", c.Name)
			continue
		}
		delivered := false
		err := c.Service.Stream(ctx, req, func(chunk string) error {
			delivered = true
			return onChunk(chunk)
		})
		if err == nil {
			f.recordSuccess(c.Name)
			return nil
		}
		lastErr = err
		if stop := f.handleFailure(ctx, c.Name, err); stop || delivered {
			return err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("all provider breakers open")
	}
	return fmt.Errorf("failover: all providers failed for stream: %w", lastErr)
}

// handleFailure records the failure and reports whether trying the next
// provider is pointless.
func (f *FailoverService) handleFailure(ctx context.Context, name string, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, ErrDisabled) {
		return false
	}
	f.recordFailure(name)
	ec := ClassifyError(err)
	f.logger.Warn("failover: provider failed", "provider", name, "error_class", string(ec), "error", err)
	// The prompt is the same everywhere.
	return ec == ErrorClassContextOverflow
}

func (f *FailoverService) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if f.now().Sub(cb.lastFailure) >= f.cooldown {
		cb.tripped = false
		cb.failures = 0
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

// SetKVStore enables persistent circuit breaker state.
func (f *FailoverService) SetKVStore(store KVStore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv = store
}

func (f *FailoverService) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		f.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = f.now()
	if cb.failures >= f.threshold && !cb.tripped {
		cb.tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
	f.persistLocked(name, cb)
}

func (f *FailoverService) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[name]
	if !ok || (cb.failures == 0 && !cb.tripped) {
		return
	}
	cb.failures = 0
	cb.tripped = false
	f.persistLocked(name, cb)
}

// persistLocked must be called with f.mu held.
func (f *FailoverService) persistLocked(name string, cb *circuitBreaker) {
	if f.kv == nil {
		return
	}
	data, err := json.Marshal(breakerState{Failures: cb.failures, LastFailure: cb.lastFailure, Tripped: cb.tripped})
	if err != nil {
		return
	}
	if err := f.kv.KVSet(context.Background(), breakerKey(name), string(data)); err != nil {
		f.logger.Warn("failover: persist breaker state failed", "provider", name, "error", err)
	}
}

// LoadBreakerState restores breaker state from the KV store.
func (f *FailoverService) LoadBreakerState(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kv == nil {
		return
	}
	for name, cb := range f.breakers {
		val, err := f.kv.KVGet(ctx, breakerKey(name))
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}

func breakerKey(name string) string { return "reasoning.breaker:" + name }
