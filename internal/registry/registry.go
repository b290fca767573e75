// Package registry is the authoritative in-memory owner of devices,
// entities, and their latest state. Adapters feed it, the API and
// persistence sinks read from it, and every accepted state change fans
// out on the event bus.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
)

// Registry holds the live device and entity tables. All mutation goes
// through its methods; callers receive copies, never shared pointers.
type Registry struct {
	bus *events.Bus

	mu            sync.RWMutex
	devices       map[string]*model.Device // by device id
	byFingerprint map[string]string        // protocol/fingerprint -> device id
	entities      map[string]*model.Entity // by entity id
	byDevice      map[string][]string      // device id -> entity ids (incl. inactive)

	stateMu sync.Mutex
	locks   map[string]*sync.Mutex       // per-entity state locks
	states  map[string]model.EntityState // latest snapshot by entity id
}

// New creates an empty registry publishing on bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		bus:           bus,
		devices:       make(map[string]*model.Device),
		byFingerprint: make(map[string]string),
		entities:      make(map[string]*model.Entity),
		byDevice:      make(map[string][]string),
		locks:         make(map[string]*sync.Mutex),
		states:        make(map[string]model.EntityState),
	}
}

func fingerprintKey(protocol model.Protocol, fingerprint string) string {
	return string(protocol) + "/" + fingerprint
}

// UpsertDevice creates or updates a device. Identity is (protocol,
// fingerprint): re-discovery of a known device refreshes its metadata in
// place and keeps its id, so entity ownership survives address changes.
func (r *Registry) UpsertDevice(d model.Device) (model.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := clock.Now()
	key := fingerprintKey(d.Protocol, d.Fingerprint)

	if id, ok := r.byFingerprint[key]; ok {
		existing := r.devices[id]
		if d.Name != "" {
			existing.Name = d.Name
		}
		if d.Address != "" {
			existing.Address = d.Address
		}
		if d.Manufacturer != "" {
			existing.Manufacturer = d.Manufacturer
		}
		if d.ModelName != "" {
			existing.ModelName = d.ModelName
		}
		if d.FirmwareVersion != "" {
			existing.FirmwareVersion = d.FirmwareVersion
		}
		if d.RoomID != "" {
			existing.RoomID = d.RoomID
		}
		existing.UpdatedAt = now
		existing.LastSeen = now
		return *existing, false
	}

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	d.LastSeen = now

	stored := d
	r.devices[stored.ID] = &stored
	r.byFingerprint[key] = stored.ID
	metrics.Get().DevicesKnown.Set(float64(len(r.devices)))

	return stored, true
}

// Touch refreshes a device's last-seen timestamp.
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.LastSeen = clock.Now()
	}
}

// Device returns a device by id.
func (r *Registry) Device(id string) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, model.E(model.CategoryNotFound, "device %s not found", id)
	}
	return *d, nil
}

// DeviceByFingerprint resolves a device by its protocol identity.
func (r *Registry) DeviceByFingerprint(protocol model.Protocol, fingerprint string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFingerprint[fingerprintKey(protocol, fingerprint)]
	if !ok {
		return model.Device{}, false
	}
	return *r.devices[id], true
}

// Devices returns all known devices.
func (r *Registry) Devices() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// ReconcileEntities merges an enumeration result into the entity table.
// Matching is by driver-local key within the device. A matching entity
// with the same kind and capability shape keeps its id and gets a
// metadata refresh; a changed kind or shape retires the old entity and
// creates a replacement under a fresh id. Entities absent from the
// enumeration are deactivated, never deleted, so history remains
// attributable.
func (r *Registry) ReconcileEntities(deviceID string, descs []model.EntityDescriptor) ([]model.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceID]; !ok {
		return nil, model.E(model.CategoryNotFound, "device %s not found", deviceID)
	}

	now := clock.Now()

	// Index the device's active entities by driver key.
	activeByKey := make(map[string]*model.Entity)
	for _, id := range r.byDevice[deviceID] {
		e := r.entities[id]
		if e.Active {
			activeByKey[e.Key] = e
		}
	}

	seen := make(map[string]bool, len(descs))
	result := make([]model.Entity, 0, len(descs))

	for _, desc := range descs {
		seen[desc.Key] = true

		if existing, ok := activeByKey[desc.Key]; ok {
			if existing.Kind == desc.Kind && existing.Caps.Shape() == desc.Caps.Shape() {
				existing.Name = desc.Name
				existing.Icon = desc.Icon
				existing.Caps.Extra = desc.Caps.Extra
				existing.UpdatedAt = now
				result = append(result, *existing)
				continue
			}
			// Incompatible redefinition: retire and replace.
			existing.Active = false
			existing.UpdatedAt = now
		}

		e := &model.Entity{
			ID:        uuid.New().String(),
			DeviceID:  deviceID,
			Kind:      desc.Kind,
			Key:       desc.Key,
			Name:      desc.Name,
			Icon:      desc.Icon,
			Caps:      desc.Caps,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.entities[e.ID] = e
		r.byDevice[deviceID] = append(r.byDevice[deviceID], e.ID)
		result = append(result, *e)
	}

	// Anything active that the device no longer reports goes inactive.
	for key, e := range activeByKey {
		if !seen[key] && e.Active {
			e.Active = false
			e.UpdatedAt = now
		}
	}

	metrics.Get().EntitiesKnown.Set(float64(r.activeEntityCount()))
	return result, nil
}

// activeEntityCount counts active entities. Caller holds r.mu.
func (r *Registry) activeEntityCount() int {
	n := 0
	for _, e := range r.entities {
		if e.Active {
			n++
		}
	}
	return n
}

// Entity returns an entity by id.
func (r *Registry) Entity(id string) (model.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return model.Entity{}, model.E(model.CategoryNotFound, "entity %s not found", id)
	}
	return *e, nil
}

// EntityByKey resolves a device's entity by driver-local key. Only active
// entities participate; retired definitions are invisible to dispatch.
func (r *Registry) EntityByKey(deviceID, key string) (model.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.byDevice[deviceID] {
		e := r.entities[id]
		if e.Active && e.Key == key {
			return *e, true
		}
	}
	return model.Entity{}, false
}

// Entities returns a device's entities, active first.
func (r *Registry) Entities(deviceID string) []model.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Entity, 0, len(r.byDevice[deviceID]))
	for _, id := range r.byDevice[deviceID] {
		e := r.entities[id]
		if e.Active {
			out = append(out, *e)
		}
	}
	for _, id := range r.byDevice[deviceID] {
		e := r.entities[id]
		if !e.Active {
			out = append(out, *e)
		}
	}
	return out
}

// entityLock returns the per-entity state lock.
func (r *Registry) entityLock(entityID string) *sync.Mutex {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	l, ok := r.locks[entityID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[entityID] = l
	}
	return l
}

// ApplyState records a state snapshot for an entity and fans it out on
// the bus. Snapshots must move forward in time: an update older than the
// stored one is discarded so out-of-order delivery cannot regress state.
func (r *Registry) ApplyState(entityID string, state, attrs map[string]any, at time.Time) error {
	r.mu.RLock()
	e, ok := r.entities[entityID]
	var active bool
	var deviceID string
	if ok {
		active = e.Active
		deviceID = e.DeviceID
	}
	r.mu.RUnlock()

	if !ok {
		return model.E(model.CategoryNotFound, "entity %s not found", entityID)
	}
	if !active {
		return model.E(model.CategoryBadRequest, "entity %s is retired", entityID)
	}

	if at.IsZero() {
		at = clock.Now()
	}

	l := r.entityLock(entityID)
	l.Lock()
	prev, had := r.getState(entityID)
	if had && at.Before(prev.UpdatedAt) {
		l.Unlock()
		metrics.Get().StateDiscardedLate.Inc()
		return nil
	}

	snap := model.EntityState{
		EntityID:   entityID,
		State:      state,
		Attributes: attrs,
		UpdatedAt:  at,
	}
	r.setState(snap)
	l.Unlock()

	metrics.Get().StateApplied.Inc()
	r.Touch(deviceID)

	r.bus.Publish(events.Event{
		Topic:     events.TopicEntityState(entityID),
		Timestamp: at,
		Source:    "registry",
		Payload:   snap,
	})
	return nil
}

func (r *Registry) getState(entityID string) (model.EntityState, bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	s, ok := r.states[entityID]
	return s, ok
}

func (r *Registry) setState(s model.EntityState) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.states[s.EntityID] = s
}

// State returns the latest snapshot for an entity.
func (r *Registry) State(entityID string) (model.EntityState, error) {
	if _, err := r.Entity(entityID); err != nil {
		return model.EntityState{}, err
	}
	s, ok := r.getState(entityID)
	if !ok {
		return model.EntityState{}, model.E(model.CategoryNotFound, "no state recorded for entity %s", entityID)
	}
	return s, nil
}

// States returns the latest snapshot for every entity that has one.
func (r *Registry) States() []model.EntityState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	out := make([]model.EntityState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s)
	}
	return out
}

// Counts returns device and active-entity totals for status reporting.
func (r *Registry) Counts() (devices, entities int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices), r.activeEntityCount()
}
