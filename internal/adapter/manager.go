package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
)

const shutdownDrain = 5 * time.Second

// Manager owns the registered adapters and fronts them with the shared
// command pipeline.
type Manager struct {
	env Env
	log *logging.Logger

	mu       sync.RWMutex
	adapters []Adapter
	byProto  map[model.Protocol]Adapter

	dispatcher *Dispatcher
}

// NewManager creates an adapter manager for env.
func NewManager(env Env) *Manager {
	m := &Manager{
		env:     env,
		log:     logging.WithComponent("adapter"),
		byProto: make(map[model.Protocol]Adapter),
	}
	m.dispatcher = NewDispatcher(m.execute)
	return m
}

// Register adds an adapter. Registration order is initialization order.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters = append(m.adapters, a)
	m.byProto[a.Protocol()] = a
}

// Get returns the adapter for a protocol.
func (m *Manager) Get(protocol model.Protocol) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byProto[protocol]
	return a, ok
}

// Protocols lists registered protocols.
func (m *Manager) Protocols() []model.Protocol {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Protocol, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a.Protocol())
	}
	return out
}

// InitializeAll initializes every adapter in parallel. A failed adapter
// is unregistered rather than failing startup: one broken driver must
// not take the hub down.
func (m *Manager) InitializeAll(ctx context.Context) {
	m.mu.Lock()
	adapters := append([]Adapter(nil), m.adapters...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	failed := make(map[model.Protocol]bool)

	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			if err := a.Initialize(ctx, m.env); err != nil {
				m.log.Error("adapter initialization failed", "protocol", a.Protocol(), "error", err)
				failedMu.Lock()
				failed[a.Protocol()] = true
				failedMu.Unlock()
				return
			}
			m.log.Info("adapter ready", "protocol", a.Protocol())
		}(a)
	}
	wg.Wait()

	if len(failed) > 0 {
		m.mu.Lock()
		kept := m.adapters[:0]
		for _, a := range m.adapters {
			if failed[a.Protocol()] {
				delete(m.byProto, a.Protocol())
				continue
			}
			kept = append(kept, a)
		}
		m.adapters = kept
		m.mu.Unlock()
	}
}

// ShutdownAll drains the pipeline, then shuts adapters down in reverse
// registration order, each bounded by the drain window.
func (m *Manager) ShutdownAll() {
	m.dispatcher.Close()

	m.mu.RLock()
	adapters := append([]Adapter(nil), m.adapters...)
	m.mu.RUnlock()

	for i := len(adapters) - 1; i >= 0; i-- {
		a := adapters[i]
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
		if err := a.Shutdown(ctx); err != nil {
			m.log.Warn("adapter shutdown error", "protocol", a.Protocol(), "error", err)
		}
		cancel()
	}
}

// Submit routes a command through the per-entity pipeline. done runs
// exactly once with the outcome. Commands that name only a device are
// resolved to an entity first so the per-entity queue keys correctly.
func (m *Manager) Submit(ctx context.Context, cmd model.Command, done func(Outcome)) {
	if cmd.EntityID == "" {
		entity, err := m.resolveEntity(cmd)
		if err != nil {
			done(Outcome{Err: err})
			return
		}
		cmd.EntityID = entity.ID
	}
	m.dispatcher.Dispatch(ctx, cmd, done)
}

// resolveEntity picks the entity for a device-scoped command. The queue
// table carries no entity column, so the capability selects among the
// device's active entities. Identify targets the whole device and takes
// the first active entity.
func (m *Manager) resolveEntity(cmd model.Command) (model.Entity, error) {
	if _, err := m.env.Registry.Device(cmd.DeviceID); err != nil {
		return model.Entity{}, model.E(model.CategoryNotFound, "device_not_found")
	}

	var candidates []model.Entity
	for _, e := range m.env.Registry.Entities(cmd.DeviceID) {
		if !e.Active {
			continue
		}
		if cmd.Capability == model.CapIdentify {
			return e, nil
		}
		for _, have := range e.Caps.Capabilities {
			if have == cmd.Capability {
				candidates = append(candidates, e)
				break
			}
		}
	}

	switch len(candidates) {
	case 0:
		return model.Entity{}, model.E(model.CategoryNotFound, "entity_not_found")
	case 1:
		return candidates[0], nil
	default:
		return model.Entity{}, model.E(model.CategoryBadRequest, "ambiguous_entity")
	}
}

// execute resolves the command's device, entity, and adapter, then runs
// it under the per-protocol timeout.
func (m *Manager) execute(ctx context.Context, cmd model.Command) error {
	device, err := m.env.Registry.Device(cmd.DeviceID)
	if err != nil {
		return model.E(model.CategoryNotFound, "device_not_found")
	}

	entity, err := m.env.Registry.Entity(cmd.EntityID)
	if err != nil {
		return model.E(model.CategoryNotFound, "entity_not_found")
	}

	a, ok := m.Get(device.Protocol)
	if !ok {
		return model.E(model.CategoryBadRequest, "no_adapter")
	}

	if !hasCapability(entity.Caps.Capabilities, cmd.Capability) {
		return model.E(model.CategoryBadRequest, "unknown_capability")
	}

	timeout := m.env.Config.AdapterTimeout(string(device.Protocol), DefaultCommandTimeout)
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := a.SendCommand(cmdCtx, device, entity, cmd); err != nil {
		if model.CategoryOf(err) == model.CategoryProtocol {
			metrics.Get().ProtocolErrors.WithLabelValues(string(device.Protocol)).Inc()
		}
		return err
	}
	return nil
}

func hasCapability(caps []model.Capability, c model.Capability) bool {
	// Identify is implicit where the protocol supports it; the adapter
	// decides.
	if c == model.CapIdentify {
		return true
	}
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
