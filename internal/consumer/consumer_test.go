package consumer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/seawatts/cove/internal/adapter"
	"github.com/seawatts/cove/internal/config"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/registry"
	"github.com/seawatts/cove/internal/store"
)

// fakeQueue is a PostgREST-shaped command table.
type fakeQueue struct {
	mu       sync.Mutex
	commands []model.Command
}

func (f *fakeQueue) add(cmd model.Command) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
}

func (f *fakeQueue) get(id string) (model.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c.ID == id {
			return c, true
		}
	}
	return model.Command{}, false
}

func (f *fakeQueue) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/rest/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			pending := []model.Command{}
			for _, c := range f.commands {
				if c.Status == model.StatusPending {
					pending = append(pending, c)
				}
			}
			json.NewEncoder(w).Encode(pending)

		case http.MethodPatch:
			id := r.URL.Query().Get("id")
			statusFilter := r.URL.Query().Get("status")
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)

			updated := []model.Command{}
			for i := range f.commands {
				c := &f.commands[i]
				if "eq."+c.ID != id {
					continue
				}
				if statusFilter != "" && "eq."+string(c.Status) != statusFilter {
					continue
				}
				c.Status = model.CommandStatus(body["status"].(string))
				if msg, ok := body["error"].(string); ok {
					c.Error = msg
				}
				updated = append(updated, *c)
			}
			json.NewEncoder(w).Encode(updated)
		}
	})

	mux.HandleFunc("/rest/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	return mux
}

// sendRecorder executes commands and remembers what it sent.
type sendRecorder struct {
	mu    sync.Mutex
	sends []model.Command
}

func (s *sendRecorder) Protocol() model.Protocol                              { return model.ProtocolESPHome }
func (s *sendRecorder) Initialize(ctx context.Context, env adapter.Env) error { return nil }
func (s *sendRecorder) Shutdown(ctx context.Context) error                    { return nil }
func (s *sendRecorder) Discover(ctx context.Context) (<-chan model.DeviceDescriptor, error) {
	return nil, nil
}
func (s *sendRecorder) Pair(ctx context.Context, desc model.DeviceDescriptor) (model.Device, error) {
	return model.Device{}, nil
}
func (s *sendRecorder) Connect(ctx context.Context, device model.Device) error { return nil }
func (s *sendRecorder) EnumerateEntities(ctx context.Context, deviceID string) ([]model.EntityDescriptor, error) {
	return nil, nil
}
func (s *sendRecorder) SubscribeState(ctx context.Context, deviceID string, handler adapter.StateHandler) error {
	return nil
}
func (s *sendRecorder) PollState(ctx context.Context, deviceID string) error { return nil }

func (s *sendRecorder) SendCommand(ctx context.Context, device model.Device, entity model.Entity, cmd model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, cmd)
	return nil
}

func (s *sendRecorder) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type harness struct {
	queue    *fakeQueue
	consumer *Consumer
	bus      *events.Bus
	deviceID string
	entityID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	queue := &fakeQueue{}
	srv := httptest.NewServer(queue.handler())
	t.Cleanup(srv.Close)

	bus := events.NewBus()
	reg := registry.New(bus)

	dev, _ := reg.UpsertDevice(model.Device{
		Protocol:    model.ProtocolESPHome,
		Name:        "lamp",
		Fingerprint: "AA:BB",
	})
	entities, err := reg.ReconcileEntities(dev.ID, []model.EntityDescriptor{{
		Kind: model.KindSwitch,
		Key:  "1",
		Name: "Relay",
		Caps: model.CapabilityDescriptor{Capabilities: []model.Capability{model.CapOnOff}},
	}})
	if err != nil {
		t.Fatal(err)
	}

	adapters := adapter.NewManager(adapter.Env{
		Bus:      bus,
		Registry: reg,
		Config:   config.Default(),
	})
	adapters.Register(&sendRecorder{})

	client := store.NewClient(srv.URL, "test-key")
	c := New(client, store.NewRealtime(client), adapters, bus, 25*time.Millisecond)

	return &harness{
		queue:    queue,
		consumer: c,
		bus:      bus,
		deviceID: dev.ID,
		entityID: entities[0].ID,
	}
}

func (h *harness) recorder() *sendRecorder {
	a, _ := h.consumer.adapters.Get(model.ProtocolESPHome)
	return a.(*sendRecorder)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSweepExecutesPending(t *testing.T) {
	h := newHarness(t)
	h.queue.add(model.Command{ID: "c1", DeviceID: h.deviceID, EntityID: h.entityID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusPending})
	h.queue.add(model.Command{ID: "c2", DeviceID: h.deviceID, EntityID: h.entityID,
		Capability: model.CapOnOff, Value: false, Status: model.StatusPending})

	h.consumer.sweep(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		c1, _ := h.queue.get("c1")
		c2, _ := h.queue.get("c2")
		return c1.Status == model.StatusCompleted && c2.Status == model.StatusCompleted
	})
	if h.recorder().sent() != 2 {
		t.Errorf("expected 2 sends, got %d", h.recorder().sent())
	}
}

func TestDeviceOnlyCommandCompletes(t *testing.T) {
	h := newHarness(t)
	// Queue rows name only the device; the pipeline resolves the entity
	// from the capability.
	h.queue.add(model.Command{ID: "c1", DeviceID: h.deviceID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusPending})

	h.consumer.sweep(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		c, _ := h.queue.get("c1")
		return c.Status == model.StatusCompleted
	})
	if h.recorder().sent() != 1 {
		t.Errorf("expected 1 send, got %d", h.recorder().sent())
	}
}

func TestClaimLostSkipsExecution(t *testing.T) {
	h := newHarness(t)
	// Already claimed by another hub.
	h.queue.add(model.Command{ID: "c1", DeviceID: h.deviceID, EntityID: h.entityID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusProcessing})

	h.consumer.dispatch(context.Background(), model.Command{
		ID: "c1", DeviceID: h.deviceID, EntityID: h.entityID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusPending,
	})

	time.Sleep(200 * time.Millisecond)
	if h.recorder().sent() != 0 {
		t.Errorf("lost claim must not execute, got %d sends", h.recorder().sent())
	}
	if c, _ := h.queue.get("c1"); c.Status != model.StatusProcessing {
		t.Errorf("status changed to %s", c.Status)
	}
}

func TestUnknownDeviceFailsCommand(t *testing.T) {
	h := newHarness(t)
	h.queue.add(model.Command{ID: "c1", DeviceID: "ghost", EntityID: h.entityID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusPending})

	h.consumer.sweep(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		c, _ := h.queue.get("c1")
		return c.Status == model.StatusFailed
	})
	c, _ := h.queue.get("c1")
	if c.Error != "device_not_found" {
		t.Errorf("error column: %q", c.Error)
	}
	if h.recorder().sent() != 0 {
		t.Errorf("failed command must not reach the adapter")
	}
}

func TestCommandResultPublished(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(8, "command/*/result")
	defer h.bus.Unsubscribe(sub)

	h.queue.add(model.Command{ID: "c1", DeviceID: h.deviceID, EntityID: h.entityID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusPending})
	h.consumer.sweep(context.Background())

	select {
	case e := <-sub.C():
		result := e.Payload.(model.CommandResult)
		if result.CommandID != "c1" || result.Status != model.StatusCompleted {
			t.Errorf("unexpected result: %+v", result)
		}
		if result.Coalesced {
			t.Error("single command must not report coalesced")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result event")
	}
}

func TestPollWindowSweepsOnEntry(t *testing.T) {
	h := newHarness(t)
	h.queue.add(model.Command{ID: "c1", DeviceID: h.deviceID, EntityID: h.entityID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusPending})

	// A window shorter than the poll interval still sweeps immediately
	// and lasts at least one interval, so backlog never waits for a later
	// window's tick.
	start := time.Now()
	if stopped := h.consumer.pollFor(context.Background(), time.Millisecond); stopped {
		t.Fatal("window reported cancelation")
	}
	if elapsed := time.Since(start); elapsed < h.consumer.pollInterval {
		t.Errorf("window ended after %s, want at least %s", elapsed, h.consumer.pollInterval)
	}

	waitFor(t, 2*time.Second, func() bool {
		c, _ := h.queue.get("c1")
		return c.Status == model.StatusCompleted
	})
}

func TestRunFallsBackToPolling(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.consumer.Run(ctx)

	// The fake remote has no realtime endpoint, so the consumer must
	// pick the command up through polling.
	time.Sleep(50 * time.Millisecond)
	h.queue.add(model.Command{ID: "c1", DeviceID: h.deviceID, EntityID: h.entityID,
		Capability: model.CapOnOff, Value: true, Status: model.StatusPending})

	waitFor(t, 3*time.Second, func() bool {
		c, _ := h.queue.get("c1")
		return c.Status == model.StatusCompleted
	})
}
