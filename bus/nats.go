package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/botkit/logging"
)

// NATSBus implements MessageBus using NATS core pub/sub.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
}

var _ MessageBus = (*NATSBus)(nil)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string `toml:"url"`

	// Name is the client name for identification.
	Name string `toml:"name"`

	// Token for token-based auth.
	Token string `toml:"token"`

	// User and Password for basic auth.
	User     string `toml:"user"`
	Password string `toml:"password"`

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration `toml:"reconnect_wait"`

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int `toml:"max_reconnects"`

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration `toml:"connect_timeout"`

	// Logger receives connection state changes. Optional.
	Logger *logging.Logger `toml:"-"`
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "botkit",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSBus{conn: conn, config: cfg}, nil
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]interface{}{"url": cfg.URL}
			if err != nil {
				fields["error"] = err.Error()
			}
			log.Warn("nats_disconnected", fields)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats_reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Conn returns the underlying connection, shared with the NATS KV store.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription to a subject. NATS wildcards apply.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{ch: make(chan *Message, b.config.BufferSize)}
	sub, err := b.conn.Subscribe(subject, s.deliver)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	s.sub = sub
	return s, nil
}

// Close drains pending messages and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (s *natsSubscription) deliver(m *nats.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- &Message{Subject: m.Subject, Data: m.Data}:
	default:
		// Buffer full
	}
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	return err
}
