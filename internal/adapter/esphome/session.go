package esphome

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/seawatts/cove/internal/brand"
	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/model"
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	pingInterval     = 20 * time.Second
	livenessWindow   = 60 * time.Second

	apiVersionMajor = 1
	apiVersionMinor = 10
)

// deviceInfo is the subset of DeviceInfoResponse the hub uses.
type deviceInfo struct {
	usesPassword bool
	name         string
	macAddress   string
	version      string
	modelName    string
}

// stateUpdate is one decoded state frame, keyed by the driver-local
// entity key.
type stateUpdate struct {
	key   uint32
	state map[string]any
	attrs map[string]any
	at    time.Time
}

// session is one live native-API connection. The read loop owns the
// socket's read side; writes are serialized by writeMu.
type session struct {
	addr     string
	password string
	log      *logging.Logger

	conn    net.Conn
	r       *bufio.Reader
	writeMu sync.Mutex

	info deviceInfo

	mu         sync.Mutex
	lastSeen   time.Time
	enumerated []model.EntityDescriptor
	enumDone   chan struct{}
	closed     bool

	onState func(stateUpdate)
	onClose func(err error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// connect dials the node and performs the Hello/Connect/DeviceInfo
// handshake. A node that rejects the password yields an auth error so
// the caller invalidates the stored credential.
func connect(ctx context.Context, addr, password string, log *logging.Logger) (*session, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, model.Wrap(model.CategoryTransient, err, "dial %s", addr)
	}

	s := &session{
		addr:     addr,
		password: password,
		log:      log,
		conn:     conn,
		r:        bufio.NewReader(conn),
		lastSeen: clock.Now(),
	}

	conn.SetDeadline(clock.Now().Add(handshakeTimeout))
	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return s, nil
}

func (s *session) handshake() error {
	hello := appendString(nil, 1, brand.LowerName+" "+brand.Version)
	hello = appendUint(hello, 2, apiVersionMajor)
	hello = appendUint(hello, 3, apiVersionMinor)
	if err := writeFrame(s.conn, typeHelloRequest, hello); err != nil {
		return model.Wrap(model.CategoryTransient, err, "send hello")
	}
	if _, err := s.expect(typeHelloResponse); err != nil {
		return err
	}

	connectReq := appendString(nil, 1, s.password)
	if err := writeFrame(s.conn, typeConnectRequest, connectReq); err != nil {
		return model.Wrap(model.CategoryTransient, err, "send connect")
	}
	fs, err := s.expect(typeConnectResponse)
	if err != nil {
		return err
	}
	if fs.boolean(1) {
		return model.E(model.CategoryAuth, "node rejected password")
	}

	if err := writeFrame(s.conn, typeDeviceInfoRequest, nil); err != nil {
		return model.Wrap(model.CategoryTransient, err, "request device info")
	}
	fs, err = s.expect(typeDeviceInfoResponse)
	if err != nil {
		return err
	}
	s.info = deviceInfo{
		usesPassword: fs.boolean(1),
		name:         fs.str(2),
		macAddress:   fs.str(3),
		version:      fs.str(4),
		modelName:    fs.str(6),
	}
	return nil
}

// expect reads frames until the wanted type arrives, answering pings and
// skipping anything else. Used only during the synchronous handshake.
func (s *session) expect(msgType uint64) (fieldSet, error) {
	for {
		f, err := readFrame(s.r)
		if err != nil {
			return nil, model.Wrap(model.CategoryProtocol, err, "read during handshake")
		}
		switch f.msgType {
		case msgType:
			return decodeFields(f.payload)
		case typePingRequest:
			s.write(typePingResponse, nil)
		case typeDisconnectRequest:
			s.write(typeDisconnectResponse, nil)
			return nil, model.E(model.CategoryTransient, "node disconnected during handshake")
		default:
			// Unrelated frame; keep waiting.
		}
	}
}

// start launches the read and keepalive loops. onState receives decoded
// state frames; onClose fires once when the session dies.
func (s *session) start(ctx context.Context, onState func(stateUpdate), onClose func(err error)) {
	s.onState = onState
	s.onClose = onClose

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.pingLoop(ctx)
}

func (s *session) write(msgType uint64, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, msgType, payload)
}

// close shuts the session down. Idempotent.
func (s *session) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.write(typeDisconnectRequest, nil)
	s.conn.Close()
	if onClose != nil {
		onClose(err)
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = clock.Now()
	s.mu.Unlock()
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		f, err := readFrame(s.r)
		if err != nil {
			if ctx.Err() == nil {
				go s.close(err)
			}
			return
		}
		s.touch()
		s.handleFrame(f)
	}
}

func (s *session) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := clock.Since(s.lastSeen) > livenessWindow
			s.mu.Unlock()
			if stale {
				go s.close(model.E(model.CategoryTransient, "node silent for %s", livenessWindow))
				return
			}
			if err := s.write(typePingRequest, nil); err != nil {
				go s.close(model.Wrap(model.CategoryTransient, err, "ping write"))
				return
			}
		}
	}
}

func (s *session) handleFrame(f frame) {
	switch f.msgType {
	case typePingRequest:
		s.write(typePingResponse, nil)
	case typePingResponse:
		// touch already recorded liveness
	case typeDisconnectRequest:
		s.write(typeDisconnectResponse, nil)
		go s.close(model.E(model.CategoryTransient, "node requested disconnect"))

	case typeListBinarySensor, typeListCover, typeListFan, typeListLight,
		typeListSensor, typeListSwitch, typeListTextSensor, typeListNumber, typeListButton:
		s.collectEntity(f)
	case typeListEntitiesDone:
		s.mu.Lock()
		if s.enumDone != nil {
			close(s.enumDone)
			s.enumDone = nil
		}
		s.mu.Unlock()

	case typeStateBinarySensor, typeStateCover, typeStateFan, typeStateLight,
		typeStateSensor, typeStateSwitch, typeStateTextSensor, typeStateNumber:
		if upd, ok := decodeState(f); ok && s.onState != nil {
			s.onState(upd)
		}
	}
}

// enumerate requests the entity list and waits for the terminator.
func (s *session) enumerate(ctx context.Context) ([]model.EntityDescriptor, error) {
	done := make(chan struct{})
	s.mu.Lock()
	s.enumerated = nil
	s.enumDone = done
	s.mu.Unlock()

	if err := s.write(typeListEntitiesRequest, nil); err != nil {
		return nil, model.Wrap(model.CategoryTransient, err, "request entity list")
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, model.Wrap(model.CategoryTransient, ctx.Err(), "entity enumeration")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enumerated, nil
}

func (s *session) collectEntity(f frame) {
	desc, ok := decodeEntity(f)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.enumDone != nil {
		s.enumerated = append(s.enumerated, desc)
	}
	s.mu.Unlock()
}

// subscribeStates asks the node to push all state changes.
func (s *session) subscribeStates() error {
	return s.write(typeSubscribeStates, nil)
}

// decodeEntity turns a ListEntities response frame into a descriptor.
func decodeEntity(f frame) (model.EntityDescriptor, bool) {
	fs, err := decodeFields(f.payload)
	if err != nil {
		return model.EntityDescriptor{}, false
	}

	desc := model.EntityDescriptor{
		Key:  strconv.FormatUint(uint64(fs.key(2)), 10),
		Name: fs.str(3),
	}

	switch f.msgType {
	case typeListLight:
		desc.Kind = model.KindLight
		caps := []model.Capability{model.CapOnOff}
		if fs.boolean(5) {
			caps = append(caps, model.CapBrightness)
		}
		if fs.boolean(6) {
			caps = append(caps, model.CapColorRGB)
		}
		if fs.boolean(8) {
			caps = append(caps, model.CapColorTemperature)
			desc.Caps.Min = model.Float64Ptr(fs.float(9))
			desc.Caps.Max = model.Float64Ptr(fs.float(10))
			desc.Caps.Unit = "mired"
		}
		desc.Caps.Capabilities = caps
	case typeListSwitch:
		desc.Kind = model.KindSwitch
		desc.Icon = fs.str(5)
		desc.Caps.Capabilities = []model.Capability{model.CapOnOff}
	case typeListSensor:
		desc.Kind = model.KindSensor
		desc.Icon = fs.str(5)
		desc.Caps.Unit = fs.str(6)
		if fs.has(9) {
			desc.Caps.Extra = map[string]string{"device_class": fs.str(9)}
		}
	case typeListBinarySensor:
		desc.Kind = model.KindBinarySensor
		if fs.has(5) {
			desc.Caps.Extra = map[string]string{"device_class": fs.str(5)}
		}
	case typeListTextSensor:
		desc.Kind = model.KindTextSensor
		desc.Icon = fs.str(5)
	case typeListNumber:
		desc.Kind = model.KindNumber
		desc.Icon = fs.str(5)
		desc.Caps.Capabilities = []model.Capability{model.CapNumberSet}
		desc.Caps.Min = model.Float64Ptr(fs.float(6))
		desc.Caps.Max = model.Float64Ptr(fs.float(7))
		desc.Caps.Step = model.Float64Ptr(fs.float(8))
	case typeListButton:
		desc.Kind = model.KindButton
		desc.Icon = fs.str(5)
		desc.Caps.Capabilities = []model.Capability{model.CapButtonPress}
	case typeListCover:
		desc.Kind = model.KindCover
		if fs.boolean(6) {
			desc.Caps.Capabilities = []model.Capability{model.CapCoverPosition}
		}
	case typeListFan:
		desc.Kind = model.KindFan
		desc.Caps.Capabilities = []model.Capability{model.CapOnOff}
	default:
		return model.EntityDescriptor{}, false
	}

	if desc.Key == "0" && !fs.has(2) {
		return model.EntityDescriptor{}, false
	}
	return desc, true
}

// decodeState turns a state frame into a keyed update.
func decodeState(f frame) (stateUpdate, bool) {
	fs, err := decodeFields(f.payload)
	if err != nil {
		return stateUpdate{}, false
	}

	upd := stateUpdate{
		key:   fs.key(1),
		state: make(map[string]any),
		at:    clock.Now(),
	}

	switch f.msgType {
	case typeStateSwitch:
		upd.state["on"] = fs.boolean(2)
	case typeStateBinarySensor:
		if fs.boolean(3) {
			return stateUpdate{}, false // missing_state
		}
		upd.state["on"] = fs.boolean(2)
	case typeStateSensor:
		if fs.boolean(3) {
			return stateUpdate{}, false
		}
		upd.state["value"] = fs.float(2)
	case typeStateTextSensor:
		if fs.boolean(3) {
			return stateUpdate{}, false
		}
		upd.state["value"] = fs.str(2)
	case typeStateNumber:
		if fs.boolean(3) {
			return stateUpdate{}, false
		}
		upd.state["value"] = fs.float(2)
	case typeStateLight:
		upd.state["on"] = fs.boolean(2)
		if fs.has(3) {
			upd.state["brightness"] = fs.float(3)
		}
		if fs.has(4) || fs.has(5) || fs.has(6) {
			upd.state["rgb"] = []float64{fs.float(4), fs.float(5), fs.float(6)}
		}
		if fs.has(8) {
			upd.state["color_temperature"] = fs.float(8)
		}
	case typeStateCover:
		if fs.has(3) {
			upd.state["position"] = fs.float(3)
		} else {
			upd.state["open"] = fs.uint(2) == 0
		}
	case typeStateFan:
		upd.state["on"] = fs.boolean(2)
		if fs.has(3) {
			upd.attrs = map[string]any{"oscillating": fs.boolean(3)}
		}
	default:
		return stateUpdate{}, false
	}
	return upd, true
}
