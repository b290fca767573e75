// Package discovery finds devices on the local network and adopts them
// into the registry. Candidates come from the mDNS browser and from
// adapter-specific probes; both streams are normalized, deduplicated on
// (protocol, fingerprint), and announced exactly once per appearance.
package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/adapter"
	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/registry"
	"github.com/seawatts/cove/internal/state"
	"github.com/seawatts/cove/internal/store"
	"github.com/seawatts/cove/internal/transport/mdns"
)

// presenceGrace is how long a device may stay silent before it is
// reported lost and its announcement re-arms.
const presenceGrace = 60 * time.Second

const presenceSweep = 10 * time.Second

// Service types the browser watches.
var browsedServices = []string{"_esphomelib._tcp", "_hue._tcp", "_http._tcp"}

// presence tracks one discovered device across sightings.
type presence struct {
	desc      model.DeviceDescriptor
	lastSeen  time.Time
	announced bool
	adopted   bool
	adopting  bool
	deviceID  string
}

// Manager runs the discovery pipeline.
type Manager struct {
	bus      *events.Bus
	reg      *registry.Registry
	adapters *adapter.Manager
	local    *state.Store
	remote   *store.Client // nil when running local-only
	interval time.Duration
	log      *logging.Logger

	browser *mdns.Browser

	mu   sync.Mutex
	seen map[string]*presence
	wg   sync.WaitGroup
}

// NewManager creates a discovery manager. remote may be nil.
func NewManager(bus *events.Bus, reg *registry.Registry, adapters *adapter.Manager,
	local *state.Store, remote *store.Client, interval time.Duration) *Manager {
	return &Manager{
		bus:      bus,
		reg:      reg,
		adapters: adapters,
		local:    local,
		remote:   remote,
		interval: interval,
		log:      logging.WithComponent("discovery"),
		seen:     make(map[string]*presence),
	}
}

// Run starts the browser and adapter probes and blocks until ctx is
// canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.browser = mdns.NewBrowser(browsedServices, m.interval)
	if err := m.browser.Start(ctx); err != nil {
		return err
	}
	defer m.browser.Stop()

	// Adapter-specific probes feed the same pipeline.
	for _, proto := range m.adapters.Protocols() {
		a, _ := m.adapters.Get(proto)
		ch, err := a.Discover(ctx)
		if err != nil {
			m.log.Warn("adapter probe failed to start", "protocol", proto, "error", err)
			continue
		}
		if ch == nil {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for desc := range ch {
				m.handleDescriptor(ctx, desc)
			}
		}()
	}
	defer m.wg.Wait()

	sweep := time.NewTicker(presenceSweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.browser.Events():
			if !ok {
				return nil
			}
			if desc, ok := classify(ev); ok {
				if ev.Type == mdns.ServiceDown {
					m.markStale(desc.Key())
					continue
				}
				m.handleDescriptor(ctx, desc)
			}
		case <-sweep.C:
			m.sweepPresence()
		}
	}
}

// classify maps an mDNS sighting to a protocol descriptor. ESPHome nodes
// announce _esphomelib._tcp (and often a web server on _http._tcp);
// bridges announce _hue._tcp with their id in TXT.
func classify(ev mdns.ServiceEvent) (model.DeviceDescriptor, bool) {
	name := strings.SplitN(ev.Instance, ".", 2)[0]
	addr := ""
	if ev.Addr != nil {
		addr = ev.Addr.String()
	}

	switch ev.Service {
	case "_esphomelib._tcp":
		fingerprint := ev.TXT["mac"]
		if fingerprint == "" {
			fingerprint = name
		}
		return model.DeviceDescriptor{
			Protocol:    model.ProtocolESPHome,
			Name:        name,
			Address:     addr,
			Port:        ev.Port,
			Fingerprint: fingerprint,
			Metadata:    ev.TXT,
			LastSeen:    ev.At,
		}, true

	case "_hue._tcp":
		fingerprint := ev.TXT["bridgeid"]
		if fingerprint == "" {
			fingerprint = name
		}
		return model.DeviceDescriptor{
			Protocol:    model.ProtocolHue,
			Name:        name,
			Address:     addr,
			Port:        ev.Port,
			Fingerprint: fingerprint,
			Metadata:    ev.TXT,
			LastSeen:    ev.At,
		}, true

	case "_http._tcp":
		// ESPHome web UIs and derivative firmware show up here without
		// the dedicated service type.
		lower := strings.ToLower(name)
		for _, marker := range []string{"esphome", "esp32", "esp8266", "apollo"} {
			if strings.Contains(lower, marker) {
				return model.DeviceDescriptor{
					Protocol:    model.ProtocolESPHome,
					Name:        name,
					Address:     addr,
					Fingerprint: ev.TXT["mac"],
					Metadata:    ev.TXT,
					LastSeen:    ev.At,
				}, true
			}
		}
	}
	return model.DeviceDescriptor{}, false
}

// handleDescriptor folds one sighting into the presence table,
// announcing and adopting on first appearance.
func (m *Manager) handleDescriptor(ctx context.Context, desc model.DeviceDescriptor) {
	if desc.Fingerprint == "" || desc.Address == "" {
		return
	}
	key := desc.Key()
	now := clock.Now()

	m.mu.Lock()
	p, known := m.seen[key]
	if !known {
		p = &presence{desc: desc}
		m.seen[key] = p
	}
	p.desc.Address = desc.Address
	if desc.Port != 0 {
		p.desc.Port = desc.Port
	}
	p.lastSeen = now

	announce := !p.announced
	p.announced = true
	adopt := !p.adopted && !p.adopting
	if adopt {
		p.adopting = true
	}
	m.mu.Unlock()

	if announce {
		metrics.Get().DiscoveryFound.WithLabelValues(string(desc.Protocol)).Inc()
		m.log.Info("device discovered", "protocol", desc.Protocol, "name", desc.Name, "address", desc.Address)
		m.bus.Publish(events.Event{
			Topic:   events.TopicDiscoveryFound,
			Source:  "discovery",
			Payload: desc,
		})
		if err := m.local.SaveDescriptor(desc); err != nil {
			m.log.Warn("descriptor cache write failed", "error", err)
		}
	}

	if adopt {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.adopt(ctx, key, p.desc)
		}()
	}
}

// adopt pairs, registers, connects, enumerates, and subscribes one
// device. Pairing failures leave the device discovered but unadopted;
// the next sighting retries.
func (m *Manager) adopt(ctx context.Context, key string, desc model.DeviceDescriptor) {
	ok := false
	defer func() {
		m.mu.Lock()
		if p, found := m.seen[key]; found {
			p.adopting = false
			p.adopted = ok
		}
		m.mu.Unlock()
	}()

	a, found := m.adapters.Get(desc.Protocol)
	if !found {
		m.log.Warn("no adapter for discovered device", "protocol", desc.Protocol)
		return
	}

	dev, err := a.Pair(ctx, desc)
	if err != nil {
		if model.CategoryOf(err) == model.CategoryAuth {
			m.log.Info("device requires manual pairing", "protocol", desc.Protocol, "name", desc.Name)
		} else {
			m.log.Warn("pairing failed", "protocol", desc.Protocol, "name", desc.Name, "error", err)
		}
		return
	}

	dev, created := m.reg.UpsertDevice(dev)
	m.mu.Lock()
	if p, found := m.seen[key]; found {
		p.deviceID = dev.ID
	}
	m.mu.Unlock()

	if created {
		m.publishLifecycle(dev.ID, events.LifecycleFound)
	}
	m.publishLifecycle(dev.ID, events.LifecyclePaired)

	if err := a.Connect(ctx, dev); err != nil {
		m.log.Warn("connect failed", "device_id", dev.ID, "error", err)
		return
	}

	descs, err := a.EnumerateEntities(ctx, dev.ID)
	if err != nil {
		m.log.Warn("entity enumeration failed", "device_id", dev.ID, "error", err)
		return
	}
	entities, err := m.reg.ReconcileEntities(dev.ID, descs)
	if err != nil {
		m.log.Warn("entity reconcile failed", "device_id", dev.ID, "error", err)
		return
	}

	if err := a.SubscribeState(ctx, dev.ID, m.stateHandler()); err != nil {
		m.log.Warn("state subscription failed", "device_id", dev.ID, "error", err)
		return
	}

	metrics.Get().DevicesOnline.Inc()
	m.log.Info("device adopted", "device_id", dev.ID, "name", dev.Name, "entities", len(entities))

	m.mirror(ctx, dev, entities)
	ok = true
}

// stateHandler bridges adapter callbacks into the registry.
func (m *Manager) stateHandler() adapter.StateHandler {
	return func(entityID string, st, attrs map[string]any, at time.Time) {
		if err := m.reg.ApplyState(entityID, st, attrs, at); err != nil {
			m.log.Debug("state rejected", "entity_id", entityID, "error", err)
		}
	}
}

// mirror pushes the adopted device and entities to the remote store.
func (m *Manager) mirror(ctx context.Context, dev model.Device, entities []model.Entity) {
	if m.remote == nil {
		return
	}
	if err := m.remote.UpsertDevices(ctx, []model.Device{dev}); err != nil {
		m.log.Warn("remote device mirror failed", "device_id", dev.ID, "error", err)
	}
	if err := m.remote.UpsertEntities(ctx, entities); err != nil {
		m.log.Warn("remote entity mirror failed", "device_id", dev.ID, "error", err)
	}
}

// markStale forces a presence to expire at the next sweep.
func (m *Manager) markStale(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.seen[key]; ok {
		p.lastSeen = clock.Now().Add(-presenceGrace - time.Second)
	}
}

// sweepPresence reports devices silent past the grace window as lost
// and re-arms their announcement so the next sighting is fresh.
func (m *Manager) sweepPresence() {
	now := clock.Now()

	m.mu.Lock()
	var lost []*presence
	for _, p := range m.seen {
		if p.announced && now.Sub(p.lastSeen) > presenceGrace {
			p.announced = false
			p.adopted = false
			lost = append(lost, p)
		}
	}
	m.mu.Unlock()

	for _, p := range lost {
		m.log.Info("device lost", "protocol", p.desc.Protocol, "name", p.desc.Name)
		if p.deviceID != "" {
			m.publishLifecycle(p.deviceID, events.LifecycleLost)
			metrics.Get().DevicesOnline.Dec()
		}
	}
}

func (m *Manager) publishLifecycle(deviceID, name string) {
	m.bus.Publish(events.Event{
		Topic:   events.TopicDeviceLifecycle(deviceID),
		Source:  "discovery",
		Payload: map[string]any{"event": name},
	})
}

// Snapshot returns the current discovery table, fed by live sightings
// and surviving restarts through the local cache.
func (m *Manager) Snapshot() []model.DeviceDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceDescriptor, 0, len(m.seen))
	for _, p := range m.seen {
		d := p.desc
		d.LastSeen = p.lastSeen
		out = append(out, d)
	}
	return out
}
