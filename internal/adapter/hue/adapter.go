package hue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/adapter"
	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/events"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/metrics"
	"github.com/seawatts/cove/internal/model"
	"github.com/seawatts/cove/internal/state"
)

const (
	pairWindow   = 30 * time.Second
	pairRetry    = time.Second
	pollInterval = time.Second

	// After this many consecutive poll failures the backoff engages and
	// the device is reported unreachable.
	pollErrorThreshold = 5
	pollBackoffMax     = 60 * time.Second

	cloudDiscoveryURL = "https://discovery.meethue.com"
)

// bridgeSession is one polled bridge.
type bridgeSession struct {
	client   *client
	username string
	cancel   context.CancelFunc

	mu       sync.Mutex
	handler  adapter.StateHandler
	last     map[string]lightState // light id -> last published state
	pollNow  chan struct{}
	errCount int
}

// Driver is the Hue adapter. It owns one session per bridge and polls
// each at 1 Hz, publishing only changed light states.
type Driver struct {
	env adapter.Env
	log *logging.Logger

	mu             sync.Mutex
	sessions       map[string]*bridgeSession // device id -> session
	pendingSecrets map[string][]byte         // fingerprint -> username awaiting adoption

	ctx context.Context
}

// New creates the Hue driver.
func New() *Driver {
	return &Driver{
		log:            logging.WithComponent("hue"),
		sessions:       make(map[string]*bridgeSession),
		pendingSecrets: make(map[string][]byte),
	}
}

func (d *Driver) Protocol() model.Protocol { return model.ProtocolHue }

func (d *Driver) Initialize(ctx context.Context, env adapter.Env) error {
	d.env = env
	d.ctx = ctx
	return nil
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	sessions := make([]*bridgeSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*bridgeSession)
	d.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		metrics.Get().AdapterSessions.WithLabelValues("hue").Dec()
	}
	return nil
}

// Discover queries the vendor's cloud endpoint for bridges on this
// network, covering segments where mDNS is filtered. Emits one round per
// discovery interval.
func (d *Driver) Discover(ctx context.Context) (<-chan model.DeviceDescriptor, error) {
	out := make(chan model.DeviceDescriptor, 8)
	interval := d.env.Config.DiscoveryInterval

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		d.cloudRound(ctx, out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.cloudRound(ctx, out)
			}
		}
	}()
	return out, nil
}

func (d *Driver) cloudRound(ctx context.Context, out chan<- model.DeviceDescriptor) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cloudDiscoveryURL, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		d.log.Debug("cloud discovery unavailable", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var bridges []struct {
		ID                string `json:"id"`
		InternalIPAddress string `json:"internalipaddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bridges); err != nil {
		return
	}

	for _, b := range bridges {
		if b.ID == "" || b.InternalIPAddress == "" {
			continue
		}
		desc := model.DeviceDescriptor{
			Protocol:    model.ProtocolHue,
			Name:        "Hue Bridge",
			Address:     b.InternalIPAddress,
			Fingerprint: b.ID,
			Metadata:    map[string]string{"source": "cloud"},
			LastSeen:    clock.Now(),
		}
		select {
		case out <- desc:
		case <-ctx.Done():
			return
		}
	}
}

// Pair runs the link-button dance: retry user creation once a second for
// the pairing window. The obtained username is held until Connect binds
// it to the adopted device id.
func (d *Driver) Pair(ctx context.Context, desc model.DeviceDescriptor) (model.Device, error) {
	c := newClient(desc.Address)

	ctx, cancel := context.WithTimeout(ctx, pairWindow)
	defer cancel()

	var username string
	for {
		u, err := c.createUser(ctx)
		if err == nil {
			username = u
			break
		}
		if model.CategoryOf(err) != model.CategoryAuth {
			return model.Device{}, err
		}
		d.log.Info("waiting for link button", "bridge", desc.Address)

		select {
		case <-ctx.Done():
			return model.Device{}, model.E(model.CategoryAuth, "link button not pressed within %s", pairWindow)
		case <-time.After(pairRetry):
		}
	}

	cfg, err := c.config(ctx, username)
	if err != nil {
		return model.Device{}, err
	}
	fingerprint := cfg.BridgeID
	if fingerprint == "" {
		fingerprint = desc.Fingerprint
	}

	d.mu.Lock()
	d.pendingSecrets[fingerprint] = []byte(username)
	d.mu.Unlock()

	return model.Device{
		Protocol:        model.ProtocolHue,
		Name:            cfg.Name,
		Address:         desc.Address,
		Fingerprint:     fingerprint,
		Manufacturer:    "Signify",
		ModelName:       cfg.ModelID,
		FirmwareVersion: cfg.SWVersion,
	}, nil
}

// Connect binds credentials to the device and starts the poll loop.
func (d *Driver) Connect(ctx context.Context, device model.Device) error {
	d.mu.Lock()
	if _, ok := d.sessions[device.ID]; ok {
		d.mu.Unlock()
		return nil
	}
	pending, hasPending := d.pendingSecrets[device.Fingerprint]
	delete(d.pendingSecrets, device.Fingerprint)
	d.mu.Unlock()

	if hasPending {
		if err := d.env.Secrets.SetCredential(device.ID, pending); err != nil {
			return err
		}
	}

	secret, valid, err := d.env.Secrets.Credential(device.ID)
	if errors.Is(err, state.ErrNotFound) || (err == nil && !valid) {
		return model.E(model.CategoryAuth, "bridge %s needs pairing", device.Fingerprint)
	}
	if err != nil {
		return err
	}
	username := string(secret)

	c := newClient(device.Address)
	if _, err := c.config(ctx, username); err != nil {
		if model.CategoryOf(err) == model.CategoryAuth {
			d.env.Secrets.InvalidateCredential(device.ID)
			d.publishLifecycle(device.ID, events.LifecycleAuthLost, err.Error())
		}
		return err
	}

	sessCtx, cancel := context.WithCancel(d.ctx)
	s := &bridgeSession{
		client:   c,
		username: username,
		cancel:   cancel,
		last:     make(map[string]lightState),
		pollNow:  make(chan struct{}, 1),
	}

	d.mu.Lock()
	d.sessions[device.ID] = s
	d.mu.Unlock()
	metrics.Get().AdapterSessions.WithLabelValues("hue").Inc()

	go d.pollLoop(sessCtx, device.ID, s)

	d.publishLifecycle(device.ID, events.LifecycleConnected, "")
	return nil
}

func (d *Driver) sessionFor(deviceID string) (*bridgeSession, error) {
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

	lights, err := s.client.lights(ctx, s.username)
	if err != nil {
		return nil, err
	}

	descs := make([]model.EntityDescriptor, 0, len(lights))
	for id, l := range lights {
		descs = append(descs, lightDescriptor(id, l))
	}
	return descs, nil
}

func (d *Driver) SubscribeState(ctx context.Context, deviceID string, handler adapter.StateHandler) error {
	s, err := d.sessionFor(deviceID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	return nil
}

// PollState forces an immediate poll round outside the 1 Hz cadence.
func (d *Driver) PollState(ctx context.Context, deviceID string) error {
	s, err := d.sessionFor(deviceID)
	if err != nil {
		return err
	}
	select {
	case s.pollNow <- struct{}{}:
	default:
	}
	return nil
}

func (d *Driver) SendCommand(ctx context.Context, device model.Device, entity model.Entity, cmd model.Command) error {
	s, err := d.sessionFor(device.ID)
	if err != nil {
		return err
	}

	if cmd.Capability == model.CapIdentify {
		return d.identify(ctx, s, entity.Key)
	}

	delta, err := translateCommand(cmd)
	if err != nil {
		return err
	}
	if err := s.client.setLightState(ctx, s.username, entity.Key, delta); err != nil {
		return err
	}

	// Pull the result of the write promptly instead of waiting a tick.
	select {
	case s.pollNow <- struct{}{}:
	default:
	}
	return nil
}

// identify runs the bridge's select alert twice so the light blinks
// visibly even in bright rooms.
func (d *Driver) identify(ctx context.Context, s *bridgeSession, lightID string) error {
	for i := 0; i < 2; i++ {
		if err := s.client.setLightState(ctx, s.username, lightID, map[string]any{"alert": "select"}); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
	return nil
}

// pollLoop fetches light state at 1 Hz, backing off when the bridge
// stops answering and reporting it unreachable past the threshold.
func (d *Driver) pollLoop(ctx context.Context, deviceID string, s *bridgeSession) {
	delay := pollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.pollNow:
		case <-time.After(delay):
		}

		if err := d.pollOnce(ctx, deviceID, s); err != nil {
			s.errCount++
			if s.errCount == pollErrorThreshold {
				d.log.Warn("bridge unresponsive", "device_id", deviceID, "error", err)
				d.publishLifecycle(deviceID, events.LifecycleUnreachable, err.Error())
			}
			if s.errCount >= pollErrorThreshold {
				delay *= 2
				if delay > pollBackoffMax {
					delay = pollBackoffMax
				}
			}
			continue
		}

		if s.errCount >= pollErrorThreshold {
			d.publishLifecycle(deviceID, events.LifecycleConnected, "")
		}
		s.errCount = 0
		delay = pollInterval
	}
}

// pollOnce diffs the bridge's lights against the last published state
// and forwards changes to the handler.
func (d *Driver) pollOnce(ctx context.Context, deviceID string, s *bridgeSession) error {
	lights, err := s.client.lights(ctx, s.username)
	if err != nil {
		return err
	}
	now := clock.Now()

	s.mu.Lock()
	handler := s.handler
	changed := make(map[string]light)
	for id, l := range lights {
		if prev, ok := s.last[id]; !ok || prev != l.State {
			changed[id] = l
			s.last[id] = l.State
		}
	}
	s.mu.Unlock()

	if handler == nil {
		return nil
	}
	for id, l := range changed {
		entity, ok := d.env.Registry.EntityByKey(deviceID, id)
		if !ok {
			continue
		}
		st, attrs := translateState(l.State)
		handler(entity.ID, st, attrs, now)
	}
	return nil
}

func (d *Driver) publishLifecycle(deviceID, name, detail string) {
	payload := map[string]any{"event": name}
	if detail != "" {
		payload["detail"] = detail
	}
	d.env.Bus.Publish(events.Event{
		Topic:   events.TopicDeviceLifecycle(deviceID),
		Source:  "hue",
		Payload: payload,
	})
}

// lightDescriptor maps a bridge light resource to the neutral schema.
// The type string decides capabilities: every light switches, dimmable
// ones scrub brightness, and the color-temperature family exposes ct.
func lightDescriptor(id string, l light) model.EntityDescriptor {
	caps := []model.Capability{model.CapOnOff}
	switch l.Type {
	case "Dimmable light":
		caps = append(caps, model.CapBrightness)
	case "Color temperature light":
		caps = append(caps, model.CapBrightness, model.CapColorTemperature)
	case "Color light":
		caps = append(caps, model.CapBrightness, model.CapColorRGB)
	case "Extended color light":
		caps = append(caps, model.CapBrightness, model.CapColorTemperature, model.CapColorRGB)
	}

	return model.EntityDescriptor{
		Kind: model.KindLight,
		Key:  id,
		Name: l.Name,
		Caps: model.CapabilityDescriptor{
			Capabilities: caps,
			Extra: map[string]string{
				"model_id":  l.ModelID,
				"unique_id": l.UniqueID,
			},
		},
	}
}

// translateCommand maps a neutral command to a bridge state delta.
func translateCommand(cmd model.Command) (map[string]any, error) {
	switch cmd.Capability {
	case model.CapOnOff:
		on, ok := cmd.Value.(bool)
		if !ok {
			return nil, model.E(model.CategoryBadRequest, "on_off wants a boolean, got %T", cmd.Value)
		}
		return map[string]any{"on": on}, nil

	case model.CapBrightness:
		v, ok := toFloat(cmd.Value)
		if !ok || v < 0 || v > 1 {
			return nil, model.E(model.CategoryBadRequest, "brightness wants 0..1, got %v", cmd.Value)
		}
		// Bridge brightness is 1..254; zero means "no change", so the
		// bottom of the scale clamps to 1 with the light on.
		bri := int(math.Round(v * 254))
		if bri < 1 {
			bri = 1
		}
		return map[string]any{"on": true, "bri": bri}, nil

	case model.CapColorTemperature:
		kelvin, ok := toFloat(cmd.Value)
		if !ok || kelvin <= 0 {
			return nil, model.E(model.CategoryBadRequest, "color_temperature wants kelvin > 0, got %v", cmd.Value)
		}
		ct := int(math.Round(1e6 / kelvin))
		return map[string]any{"on": true, "ct": ct}, nil

	case model.CapColorRGB:
		rgb, ok := toRGB(cmd.Value)
		if !ok {
			return nil, model.E(model.CategoryBadRequest, "color_rgb wants [r, g, b] in 0..1, got %v", cmd.Value)
		}
		x, y, bri := rgbToXY(rgb[0], rgb[1], rgb[2])
		return map[string]any{"on": true, "xy": []float64{x, y}, "bri": bri}, nil
	}

	return nil, model.E(model.CategoryBadRequest, "unknown_capability")
}

// rgbToXY converts sRGB components in 0..1 to a CIE xy point plus a
// brightness, using the bridge's wide-gamut matrix.
func rgbToXY(r, g, b float64) (x, y float64, bri int) {
	r = gammaExpand(r)
	g = gammaExpand(g)
	b = gammaExpand(b)

	bigX := r*0.664511 + g*0.154324 + b*0.162028
	bigY := r*0.283881 + g*0.668433 + b*0.047685
	bigZ := r*0.000088 + g*0.072310 + b*0.986039

	sum := bigX + bigY + bigZ
	if sum == 0 {
		// Black has no chromaticity; aim at the D65 white point and let
		// brightness carry the darkness.
		return 0.3127, 0.3290, 1
	}

	bri = int(math.Round(bigY * 254))
	if bri < 1 {
		bri = 1
	}
	if bri > 254 {
		bri = 254
	}
	return bigX / sum, bigY / sum, bri
}

func gammaExpand(c float64) float64 {
	if c > 0.04045 {
		return math.Pow((c+0.055)/1.055, 2.4)
	}
	return c / 12.92
}

// toRGB accepts a three-element array of channel values in 0..1. Queue
// payloads decode to []any; in-process callers may pass []float64.
func toRGB(v any) ([3]float64, bool) {
	var out [3]float64
	switch arr := v.(type) {
	case []any:
		if len(arr) != 3 {
			return out, false
		}
		for i, item := range arr {
			f, ok := toFloat(item)
			if !ok || f < 0 || f > 1 {
				return out, false
			}
			out[i] = f
		}
		return out, true
	case []float64:
		if len(arr) != 3 {
			return out, false
		}
		for i, f := range arr {
			if f < 0 || f > 1 {
				return out, false
			}
			out[i] = f
		}
		return out, true
	}
	return out, false
}

// translateState maps bridge light state to the neutral snapshot.
func translateState(ls lightState) (map[string]any, map[string]any) {
	st := map[string]any{
		"on":         ls.On,
		"brightness": float64(ls.Bri) / 254,
	}
	if ls.Ct > 0 {
		st["color_temperature"] = math.Round(1e6 / float64(ls.Ct))
	}
	attrs := map[string]any{"reachable": ls.Reachable}
	return st, attrs
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
