package esphome

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/seawatts/cove/internal/adapter"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/state"
)

const defaultPort = 6053

// Driver is the ESPHome native-API adapter. One session per device,
// state pushed by the node, commands translated to typed frames.
type Driver struct {
	env adapter.Env
	log *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
	handlers map[string]adapter.StateHandler

	ctx context.Context
}

// New creates the ESPHome driver.
func New() *Driver {
	return &Driver{
		log:      logging.WithComponent("esphome"),
		sessions: make(map[string]*session),
		handlers: make(map[string]adapter.StateHandler),
	}
}

func (d *Driver) Protocol() model.Protocol { return model.ProtocolESPHome }

func (d *Driver) Initialize(ctx context.Context, env adapter.Env) error {
	d.env = env
	d.ctx = ctx
	return nil
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*session)
	d.mu.Unlock()

	for _, s := range sessions {
		s.close(nil)
	}
	return nil
}

// Discover returns nil: ESPHome nodes announce over mDNS, which the
// central discovery pipeline already watches.
func (d *Driver) Discover(ctx context.Context) (<-chan model.DeviceDescriptor, error) {
	return nil, nil
}

// Pair verifies reachability and reads the node's identity. Nodes with
// an API password reject the empty connect and surface an auth error;
// the password then has to be provisioned before adoption.
func (d *Driver) Pair(ctx context.Context, desc model.DeviceDescriptor) (model.Device, error) {
	addr := descAddr(desc)
	s, err := connect(ctx, addr, "", d.log)
	if err != nil {
		return model.Device{}, err
	}
	info := s.info
	s.close(nil)

	fingerprint := info.macAddress
	if fingerprint == "" {
		fingerprint = desc.Fingerprint
	}
	name := info.name
	if name == "" {
		name = desc.Name
	}

	return model.Device{
		Protocol:        model.ProtocolESPHome,
		Name:            name,
		Address:         addr,
		Fingerprint:     fingerprint,
		Manufacturer:    "espressif",
		ModelName:       info.modelName,
		FirmwareVersion: info.version,
	}, nil
}

// Connect opens the persistent session for a known device, reusing an
// existing live one.
func (d *Driver) Connect(ctx context.Context, device model.Device) error {
	d.mu.Lock()
	if _, ok := d.sessions[device.ID]; ok {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	password := ""
	secret, valid, err := d.env.Secrets.Credential(device.ID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	if err == nil && valid {
		password = string(secret)
	}

	s, err := connect(ctx, device.Address, password, d.log)
	if err != nil {
		if model.CategoryOf(err) == model.CategoryAuth {
			d.env.Secrets.InvalidateCredential(device.ID)
			d.publishLifecycle(device.ID, events.LifecycleAuthLost, err.Error())
		}
		return err
	}

	d.mu.Lock()
	d.sessions[device.ID] = s
	d.mu.Unlock()
	metrics.Get().AdapterSessions.WithLabelValues("esphome").Inc()

	deviceID := device.ID
	s.start(d.ctx,
		func(upd stateUpdate) { d.handleState(deviceID, upd) },
		func(err error) { d.handleClose(deviceID, err) },
	)

	d.publishLifecycle(device.ID, events.LifecycleConnected, "")
	return nil
}

func (d *Driver) sessionFor(deviceID string) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[deviceID]
	if !ok {
		return nil, model.E(model.CategoryTransient, "no session for device %s", deviceID)
	}
	return s, nil
}

func (d *Driver) EnumerateEntities(ctx context.Context, deviceID string) ([]model.EntityDescriptor, error) {
	s, err := d.sessionFor(deviceID)
	if err != nil {
		return nil, err
	}
	return s.enumerate(ctx)
}

func (d *Driver) SubscribeState(ctx context.Context, deviceID string, handler adapter.StateHandler) error {
	d.mu.Lock()
	d.handlers[deviceID] = handler
	d.mu.Unlock()

	s, err := d.sessionFor(deviceID)
	if err != nil {
		return err
	}
	return s.subscribeStates()
}

// PollState is a no-op: subscribed nodes push every change.
func (d *Driver) PollState(ctx context.Context, deviceID string) error {
	return nil
}

func (d *Driver) SendCommand(ctx context.Context, device model.Device, entity model.Entity, cmd model.Command) error {
	s, err := d.sessionFor(device.ID)
	if err != nil {
		return err
	}

	key, err := strconv.ParseUint(entity.Key, 10, 32)
	if err != nil {
		return model.E(model.CategoryBadRequest, "bad entity key %q", entity.Key)
	}

	msgType, payload, err := buildCommand(uint32(key), entity, cmd)
	if err != nil {
		return err
	}
	if err := s.write(msgType, payload); err != nil {
		return model.Wrap(model.CategoryTransient, err, "write command")
	}
	return nil
}

// handleState resolves the driver key to a registry entity and forwards
// to the subscribed handler. State for keys the registry does not know
// is dropped; the next enumeration will pick the entity up.
func (d *Driver) handleState(deviceID string, upd stateUpdate) {
	d.mu.Lock()
	handler := d.handlers[deviceID]
	d.mu.Unlock()
	if handler == nil {
		return
	}

	key := strconv.FormatUint(uint64(upd.key), 10)
	entity, ok := d.env.Registry.EntityByKey(deviceID, key)
	if !ok {
		return
	}
	handler(entity.ID, upd.state, upd.attrs, upd.at)
}

func (d *Driver) handleClose(deviceID string, err error) {
	d.mu.Lock()
	_, had := d.sessions[deviceID]
	delete(d.sessions, deviceID)
	d.mu.Unlock()

	if !had {
		return
	}
	metrics.Get().AdapterSessions.WithLabelValues("esphome").Dec()
	if err != nil {
		d.log.Warn("session lost", "device_id", deviceID, "error", err)
		d.publishLifecycle(deviceID, events.LifecycleUnreachable, err.Error())
	}
}

func (d *Driver) publishLifecycle(deviceID, name, detail string) {
	payload := map[string]any{"event": name}
	if detail != "" {
		payload["detail"] = detail
	}
	d.env.Bus.Publish(events.Event{
		Topic:   events.TopicDeviceLifecycle(deviceID),
		Source:  "esphome",
		Payload: payload,
	})
}

func descAddr(desc model.DeviceDescriptor) string {
	port := desc.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(desc.Address, strconv.Itoa(port))
}
