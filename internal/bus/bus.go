// Package bus fans risk and job lifecycle events out to in-process
// listeners such as the daemon's event log. Publishing never blocks: a
// listener that falls behind loses events and the loss is counted.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription receives events whose topic starts with any of its
// prefixes. No prefix, or an empty one, matches everything.
type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

// Ch returns the channel to receive events on. It is closed by
// Unsubscribe or Bus.Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped is the number of events lost because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if p == "" || strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

type Option func(*Bus)

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithClock sets the time source stamped on events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	buffer int
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func New(opts ...Option) *Bus {
	b := &Bus{
		buffer: defaultBufferSize,
		now:    time.Now,
		subs:   make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a listener for the given topic prefixes. On a closed
// bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		prefixes: prefixes,
		ch:       make(chan Event, b.buffer),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe to
// call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscription without
// blocking. Events published after Close are discarded.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload, At: b.now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Listeners ranging over Ch return.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
