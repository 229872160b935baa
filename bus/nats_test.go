package bus

import (
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	b.Close()
	return url
}

// --- Integration Tests ---

func TestNATSBus_PubSub(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus: %v", err)
	}
	defer b.Close()

	sub, err := b.Subscribe("botkit.test.>")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish("botkit.test.capacity", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg := receive(t, sub)
	if string(msg.Data) != "hello" {
		t.Errorf("data = %s", msg.Data)
	}
}

// --- Unit Tests ---

func TestBuildNATSOptions(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.Token = "secret"
	cfg.User = "bot"
	opts := buildNATSOptions(cfg)

	// reconnect wait, max reconnects, timeout, two handlers, name, token, user
	if len(opts) != 8 {
		t.Errorf("len(opts) = %d, want 8", len(opts))
	}
}
