// Package bus carries botkit's out-of-process notifications: rate limit
// capacity changes and health snapshots.
//
// Two backends implement MessageBus: MemoryBus for tests and single-process
// deployments, and NATSBus for fan-out to other services. Subjects are
// dot-separated; a trailing ">" in a subscription matches every subject
// with that prefix, as in NATS.
package bus

import (
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is one message received from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// MessageBus provides fire-and-forget pub/sub.
type MessageBus interface {
	// Publish sends data to every subscriber of subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to subject.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel of incoming messages. It is closed when
	// the subscription ends. Messages are dropped when the buffer is full.
	Messages() <-chan *Message

	// Unsubscribe ends the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int `toml:"buffer_size"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject rejects empty subjects and empty tokens.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// matches reports whether a subscription pattern covers subject.
func matches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ">"); ok {
		return prefix != "" && strings.HasPrefix(subject, prefix) && len(subject) > len(prefix)
	}
	return false
}
