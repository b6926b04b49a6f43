// Package cache keeps the latest risk record per task for a TTL chosen by
// deadline proximity. A Backend stores opaque strings with an expiry; the
// memory backend lives for the process, the sqlite backend survives restarts.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Backend is a key/value store with per-key expiry.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, val string) error
	Delete(ctx context.Context, key string) error
}

const defaultMaxEntries = 10000

type memEntry struct {
	key     string
	val     string
	expires time.Time
}

// MemoryBackend is an in-process Backend bounded to maxEntries. When full,
// the least recently written key is evicted.
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently written
	maxEntries int
	now        func() time.Time
}

func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryBackend{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// SetClock replaces the backend's clock. Tests use it to expire entries.
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	e := el.Value.(*memEntry)
	if !m.now().Before(e.expires) {
		m.order.Remove(el)
		delete(m.entries, key)
		return "", false, nil
	}
	return e.val, true, nil
}

func (m *MemoryBackend) SetEx(_ context.Context, key string, ttl time.Duration, val string) error {
	if ttl <= 0 {
		return fmt.Errorf("cache setex: ttl must be positive, got %s", ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := m.now().Add(ttl)
	if el, ok := m.entries[key]; ok {
		e := el.Value.(*memEntry)
		e.val, e.expires = val, expires
		m.order.MoveToFront(el)
		return nil
	}
	m.entries[key] = m.order.PushFront(&memEntry{key: key, val: val, expires: expires})
	for m.order.Len() > m.maxEntries {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memEntry).key)
	}
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.order.Remove(el)
		delete(m.entries, key)
	}
	return nil
}

// Len reports the number of entries held, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// KVStore is the subset of the sqlite store the durable backend needs.
type KVStore interface {
	KVSetEx(ctx context.Context, key string, ttl time.Duration, val string) error
	KVGetFresh(ctx context.Context, key string) (string, bool, error)
	KVDelete(ctx context.Context, key string) error
}

// SQLiteBackend keeps entries in the store's kv table.
type SQLiteBackend struct {
	kv KVStore
}

func NewSQLiteBackend(kv KVStore) *SQLiteBackend {
	return &SQLiteBackend{kv: kv}
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (string, bool, error) {
	return b.kv.KVGetFresh(ctx, key)
}

func (b *SQLiteBackend) SetEx(ctx context.Context, key string, ttl time.Duration, val string) error {
	return b.kv.KVSetEx(ctx, key, ttl, val)
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	return b.kv.KVDelete(ctx, key)
}
