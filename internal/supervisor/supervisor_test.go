package supervisor

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seawatts/cove/internal/config"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/logging"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = freePort(t)
	cfg.DiscoveryEnabled = false
	return cfg
}

func TestRunIsNotReentrant(t *testing.T) {
	s := New(testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Wait for the first Run to take ownership.
	deadline := time.Now().Add(2 * time.Second)
	for !s.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("supervisor did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Run(context.Background()); err == nil {
		t.Error("second Run must be rejected")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected exit: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSuperviseRestartsFailedTask(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8, events.TopicComponentRestart)
	defer bus.Unsubscribe(sub)

	s := &Supervisor{
		cfg: config.Default(),
		log: logging.WithComponent("supervisor"),
		bus: bus,
	}

	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		s.supervise(ctx, task{name: "flaky", run: func(ctx context.Context) error {
			if runs.Add(1) == 1 {
				return errors.New("transient failure")
			}
			return nil
		}})
	}()

	select {
	case e := <-sub.C():
		payload := e.Payload.(map[string]any)
		if payload["component"] != "flaky" {
			t.Errorf("component: %v", payload["component"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no restart event")
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not restarted")
	}
	if runs.Load() != 2 {
		t.Errorf("runs: %d", runs.Load())
	}
}

func TestSuperviseStopsOnCancel(t *testing.T) {
	s := &Supervisor{
		cfg: config.Default(),
		log: logging.WithComponent("supervisor"),
		bus: events.NewBus(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		s.supervise(ctx, task{name: "blocking", run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}})
	}()

	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not stop on cancel")
	}
}
