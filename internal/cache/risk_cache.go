package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskrisk/internal/risk"
)

const defaultKeyPrefix = "risk:"

// RiskCache stores risk records as JSON in a Backend, keyed by task id.
type RiskCache struct {
	backend Backend
	prefix  string
	logger  *slog.Logger
}

// Option configures a RiskCache.
type Option func(*RiskCache)

// WithKeyPrefix namespaces keys in a shared backend.
func WithKeyPrefix(prefix string) Option {
	return func(c *RiskCache) {
		c.prefix = prefix
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *RiskCache) {
		c.logger = logger
	}
}

func New(backend Backend, opts ...Option) *RiskCache {
	c := &RiskCache{
		backend: backend,
		prefix:  defaultKeyPrefix,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RiskCache) key(taskID string) string {
	return c.prefix + taskID
}

// Get returns the cached record. An undecodable entry is dropped and
// reported as a miss.
func (c *RiskCache) Get(ctx context.Context, taskID string) (*risk.Record, bool, error) {
	raw, ok, err := c.backend.Get(ctx, c.key(taskID))
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", taskID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var rec risk.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		c.logger.Warn("dropping corrupt cache entry", "task_id", taskID, "error", err)
		_ = c.backend.Delete(ctx, c.key(taskID))
		return nil, false, nil
	}
	return &rec, true, nil
}

func (c *RiskCache) Set(ctx context.Context, taskID string, rec *risk.Record, ttl time.Duration) error {
	if rec == nil {
		return fmt.Errorf("cache set %s: nil record", taskID)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := c.backend.SetEx(ctx, c.key(taskID), ttl, string(data)); err != nil {
		return fmt.Errorf("cache set %s: %w", taskID, err)
	}
	return nil
}

// Invalidate drops the cached record so the next read recomputes.
func (c *RiskCache) Invalidate(ctx context.Context, taskID string) error {
	return c.backend.Delete(ctx, c.key(taskID))
}
