package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus with in-process channels.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed atomic.Bool
}

type memorySub struct {
	pattern string
	ch      chan *Message
	once    sync.Once
	bus     *MemoryBus
}

var _ MessageBus = (*MemoryBus)(nil)

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config: cfg,
		subs:   make(map[*memorySub]struct{}),
	}
}

// Publish delivers data to every matching subscriber without blocking.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !matches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Buffer full, drop message
		}
	}
	return nil
}

// Subscribe creates a subscription to subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*memorySub]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	return nil
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
	return nil
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}
