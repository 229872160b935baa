package daemon

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/vinayprograms/botkit/config"
	"github.com/vinayprograms/botkit/lifecycle"
	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/store"
)

func TestDaemon_ServeAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Shutdown.Timeout = 5 * time.Second

	d, err := New(context.Background(), cfg, "test", logging.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health/live"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if res := d.shutdown.Result(); res == nil || res.Failed() {
		t.Errorf("shutdown result = %+v", res)
	}
}

func TestDaemon_ResumeAutostarts(t *testing.T) {
	upstream := newFixture(t).upstream

	cfg := config.Default()
	d, err := New(context.Background(), cfg, "test", logging.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.closeBackends(context.Background()) })

	now := time.Now()
	mem := d.store.(*store.MemoryStore)
	for _, rec := range []store.Record{
		{ID: "was-running", Name: "a", Key: "k-a", State: "running", Validated: true,
			Params: map[string]string{ParamURL: upstream.URL, ParamInterval: "10ms"}, CreatedAt: now},
		{ID: "was-idle", Name: "b", Key: "k-b", State: "created", Validated: true,
			Params: map[string]string{ParamURL: upstream.URL}, CreatedAt: now.Add(time.Second)},
	} {
		if err := mem.Save(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Manager().StopAll(ctx)
	})

	awaitState(t, d.Manager(), "was-running", lifecycle.StateRunning)
	if w, _ := d.Manager().Get("was-idle"); w.State != lifecycle.StateCreated {
		t.Errorf("idle worker state = %s, want created", w.State)
	}
}

func TestNew_BadBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Addr = "127.0.0.1:1"
	if _, err := New(context.Background(), cfg, "test", logging.Nop()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
