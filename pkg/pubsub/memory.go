package pubsub

import (
	"context"
	"path"
	"sync"
)

type memorySubscription struct {
	key     string
	pattern bool
	ch      chan *Event
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *memorySubscription) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// MemoryPubSub is an in-process PubSub for single-instance deployments and
// tests. Patterns use path.Match syntax, which covers the "*" globs used by
// the Redis driver.
type MemoryPubSub struct {
	mu            sync.RWMutex
	subscriptions map[string]*memorySubscription
	closed        bool
}

// NewMemoryPubSub creates an empty in-process bus.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subscriptions: make(map[string]*memorySubscription)}
}

// Publish delivers event to every matching subscription without blocking.
func (m *MemoryPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return context.Canceled
	}
	for _, sub := range m.subscriptions {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber is behind, drop the event.
		}
	}
	return nil
}

func (s *memorySubscription) matches(channel string) bool {
	if !s.pattern {
		return s.key == channel
	}
	ok, err := path.Match(s.key, channel)
	return err == nil && ok
}

// Subscribe subscribes to a specific channel.
func (m *MemoryPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return m.subscribe(ctx, channel, false)
}

// SubscribePattern subscribes to channels matching a pattern.
func (m *MemoryPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	return m.subscribe(ctx, pattern, true)
}

func (m *MemoryPubSub) subscribe(ctx context.Context, key string, pattern bool) (<-chan *Event, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		key:     key,
		pattern: pattern,
		ch:      make(chan *Event, subscriberBuffer),
		cancel:  cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, context.Canceled
	}
	if existing, ok := m.subscriptions[key]; ok {
		existing.close()
	}
	m.subscriptions[key] = sub
	m.mu.Unlock()

	go func() {
		<-subCtx.Done()
		m.mu.Lock()
		if m.subscriptions[key] == sub {
			delete(m.subscriptions, key)
		}
		sub.close()
		m.mu.Unlock()
	}()

	return sub.ch, nil
}

// Unsubscribe unsubscribes from a channel or pattern.
func (m *MemoryPubSub) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	sub, ok := m.subscriptions[channel]
	if ok {
		delete(m.subscriptions, channel)
	}
	m.mu.Unlock()
	if ok {
		sub.cancel()
	}
	return nil
}

// Close ends every subscription.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	subs := m.subscriptions
	m.subscriptions = make(map[string]*memorySubscription)
	m.closed = true
	m.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}
