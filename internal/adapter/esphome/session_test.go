package esphome

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/seawatts/cove/internal/logging"
)

// fakeNode speaks just enough of the native API to exercise a session:
// handshake, entity listing, state subscription, and ping.
type fakeNode struct {
	listener net.Listener
	password string
}

func startFakeNode(t *testing.T, password string) *fakeNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	n := &fakeNode{listener: ln, password: password}
	go n.serve()
	t.Cleanup(func() { ln.Close() })
	return n
}

func (n *fakeNode) addr() string { return n.listener.Addr().String() }

func (n *fakeNode) serve() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		go n.handle(conn)
	}
}

func (n *fakeNode) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		f, err := readFrame(r)
		if err != nil {
			return
		}
		switch f.msgType {
		case typeHelloRequest:
			resp := appendUint(nil, 1, 1)
			resp = appendUint(resp, 2, 10)
			resp = appendString(resp, 3, "fake-node")
			writeFrame(conn, typeHelloResponse, resp)

		case typeConnectRequest:
			fs, _ := decodeFields(f.payload)
			var resp []byte
			if n.password != "" && fs.str(1) != n.password {
				resp = appendBool(nil, 1, true) // invalid_password
			}
			writeFrame(conn, typeConnectResponse, resp)

		case typeDeviceInfoRequest:
			resp := appendString(nil, 2, "bedroom-lamp")
			resp = appendString(resp, 3, "AA:BB:CC:DD:EE:FF")
			resp = appendString(resp, 4, "2024.6.0")
			resp = appendString(resp, 6, "esp32dev")
			writeFrame(conn, typeDeviceInfoResponse, resp)

		case typeListEntitiesRequest:
			light := appendString(nil, 1, "lamp")
			light = appendFixed32(light, 2, 100)
			light = appendString(light, 3, "Lamp")
			light = appendBool(light, 5, true) // supports brightness
			writeFrame(conn, typeListLight, light)

			sw := appendString(nil, 1, "relay")
			sw = appendFixed32(sw, 2, 200)
			sw = appendString(sw, 3, "Relay")
			writeFrame(conn, typeListSwitch, sw)

			writeFrame(conn, typeListEntitiesDone, nil)

		case typeSubscribeStates:
			st := appendFixed32(nil, 1, 200)
			st = appendBool(st, 2, true)
			writeFrame(conn, typeStateSwitch, st)

		case typePingRequest:
			writeFrame(conn, typePingResponse, nil)

		case typeDisconnectRequest:
			writeFrame(conn, typeDisconnectResponse, nil)
			return
		}
	}
}

func testLogger() *logging.Logger {
	return logging.Default().WithComponent("esphome-test")
}

func TestSessionHandshake(t *testing.T) {
	node := startFakeNode(t, "")

	s, err := connect(context.Background(), node.addr(), "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.close(nil)

	if s.info.name != "bedroom-lamp" {
		t.Errorf("device name: %q", s.info.name)
	}
	if s.info.macAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("mac: %q", s.info.macAddress)
	}
	if s.info.version != "2024.6.0" {
		t.Errorf("version: %q", s.info.version)
	}
}

func TestSessionRejectsBadPassword(t *testing.T) {
	node := startFakeNode(t, "secret")

	_, err := connect(context.Background(), node.addr(), "wrong", testLogger())
	if err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestSessionAcceptsGoodPassword(t *testing.T) {
	node := startFakeNode(t, "secret")

	s, err := connect(context.Background(), node.addr(), "secret", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.close(nil)
}

func TestSessionEnumerate(t *testing.T) {
	node := startFakeNode(t, "")

	s, err := connect(context.Background(), node.addr(), "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.close(nil)

	s.start(context.Background(), func(stateUpdate) {}, func(error) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	descs, err := s.enumerate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(descs))
	}

	byKey := make(map[string]int)
	for i, d := range descs {
		byKey[d.Key] = i
	}
	light := descs[byKey["100"]]
	if light.Kind != "light" || light.Name != "Lamp" {
		t.Errorf("light descriptor: %+v", light)
	}
	if len(light.Caps.Capabilities) != 2 {
		t.Errorf("light caps: %v", light.Caps.Capabilities)
	}
	sw := descs[byKey["200"]]
	if sw.Kind != "switch" {
		t.Errorf("switch descriptor: %+v", sw)
	}
}

func TestSessionStatePush(t *testing.T) {
	node := startFakeNode(t, "")

	s, err := connect(context.Background(), node.addr(), "", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.close(nil)

	updates := make(chan stateUpdate, 4)
	s.start(context.Background(), func(u stateUpdate) { updates <- u }, func(error) {})

	if err := s.subscribeStates(); err != nil {
		t.Fatal(err)
	}

	select {
	case u := <-updates:
		if u.key != 200 {
			t.Errorf("wrong key: %d", u.key)
		}
		if u.state["on"] != true {
			t.Errorf("wrong state: %v", u.state)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no state pushed")
	}
}
