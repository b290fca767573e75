package hue

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/seawatts/cove/internal/model"
)

// fakeBridge simulates the bridge REST surface with a link button.
type fakeBridge struct {
	mu           sync.Mutex
	buttonPushed bool
	createCalls  int
	lightWrites  map[string][]map[string]any
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{lightWrites: make(map[string][]map[string]any)}
}

func (f *fakeBridge) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createCalls++
		if !f.buttonPushed {
			json.NewEncoder(w).Encode([]map[string]any{
				{"error": map[string]any{"type": 101, "description": "link button not pressed"}},
			})
			return
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"success": map[string]any{"username": "generated-user"}},
		})
	})

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/"), "/")

		switch {
		case len(parts) == 2 && parts[1] == "config":
			json.NewEncoder(w).Encode(bridgeConfig{
				Name:      "Kitchen Bridge",
				BridgeID:  "001788FFFE123456",
				ModelID:   "BSB002",
				SWVersion: "1.60.0",
			})

		case len(parts) == 2 && parts[1] == "lights":
			json.NewEncoder(w).Encode(map[string]light{
				"1": {
					Type:  "Extended color light",
					Name:  "Kitchen Spot",
					State: lightState{On: true, Bri: 127, Ct: 366, Reachable: true},
				},
				"2": {
					Type:  "Dimmable light",
					Name:  "Counter Strip",
					State: lightState{On: false, Bri: 254, Reachable: true},
				},
			})

		case len(parts) == 4 && parts[1] == "lights" && parts[3] == "state":
			var delta map[string]any
			json.NewDecoder(r.Body).Decode(&delta)
			f.mu.Lock()
			f.lightWrites[parts[2]] = append(f.lightWrites[parts[2]], delta)
			f.mu.Unlock()
			json.NewEncoder(w).Encode([]map[string]any{{"success": map[string]any{}}})

		default:
			http.NotFound(w, r)
		}
	})

	return mux
}

func startFakeBridge(t *testing.T) (*fakeBridge, string) {
	t.Helper()
	f := newFakeBridge()
	srv := httptest.NewTLSServer(f.handler())
	t.Cleanup(srv.Close)
	return f, strings.TrimPrefix(srv.URL, "https://")
}

func TestCreateUserLinkButton(t *testing.T) {
	_, addr := startFakeBridge(t)
	c := newClient(addr)

	_, err := c.createUser(context.Background())
	if err == nil {
		t.Fatal("expected link button error")
	}
	if model.CategoryOf(err) != model.CategoryAuth {
		t.Errorf("wrong category: %s", model.CategoryOf(err))
	}
}

func TestCreateUserAfterButton(t *testing.T) {
	f, addr := startFakeBridge(t)
	f.mu.Lock()
	f.buttonPushed = true
	f.mu.Unlock()

	c := newClient(addr)
	user, err := c.createUser(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if user != "generated-user" {
		t.Errorf("username: %q", user)
	}
}

func TestPairStoresPendingSecret(t *testing.T) {
	f, addr := startFakeBridge(t)
	f.mu.Lock()
	f.buttonPushed = true
	f.mu.Unlock()

	d := New()
	dev, err := d.Pair(context.Background(), model.DeviceDescriptor{
		Protocol: model.ProtocolHue,
		Address:  addr,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dev.Fingerprint != "001788FFFE123456" {
		t.Errorf("fingerprint: %q", dev.Fingerprint)
	}
	if dev.Name != "Kitchen Bridge" {
		t.Errorf("name: %q", dev.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if string(d.pendingSecrets[dev.Fingerprint]) != "generated-user" {
		t.Error("username not held for adoption")
	}
}

func TestLightsDecode(t *testing.T) {
	_, addr := startFakeBridge(t)
	c := newClient(addr)

	lights, err := c.lights(context.Background(), "u")
	if err != nil {
		t.Fatal(err)
	}
	if len(lights) != 2 {
		t.Fatalf("expected 2 lights, got %d", len(lights))
	}
	if !lights["1"].State.On || lights["1"].State.Bri != 127 {
		t.Errorf("light 1 state: %+v", lights["1"].State)
	}
}

func TestSetLightState(t *testing.T) {
	f, addr := startFakeBridge(t)
	c := newClient(addr)

	err := c.setLightState(context.Background(), "u", "1", map[string]any{"on": true, "bri": 200})
	if err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lightWrites["1"]) != 1 {
		t.Fatalf("expected 1 write, got %d", len(f.lightWrites["1"]))
	}
	if f.lightWrites["1"][0]["on"] != true {
		t.Errorf("delta: %v", f.lightWrites["1"][0])
	}
}

func TestLightDescriptorCapabilities(t *testing.T) {
	cases := []struct {
		typ  string
		want int
	}{
		{"On/Off plug-in unit", 1},
		{"Dimmable light", 2},
		{"Color temperature light", 3},
		{"Extended color light", 4},
	}
	for _, tc := range cases {
		desc := lightDescriptor("1", light{Type: tc.typ, Name: "L"})
		if len(desc.Caps.Capabilities) != tc.want {
			t.Errorf("%s: got %d capabilities, want %d", tc.typ, len(desc.Caps.Capabilities), tc.want)
		}
	}
}

func TestTranslateCommandBrightness(t *testing.T) {
	delta, err := translateCommand(model.Command{Capability: model.CapBrightness, Value: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if delta["bri"] != 127 {
		t.Errorf("bri: %v", delta["bri"])
	}
	if delta["on"] != true {
		t.Error("brightness must switch the light on")
	}

	// The bottom of the scale clamps to 1, not 0.
	delta, _ = translateCommand(model.Command{Capability: model.CapBrightness, Value: 0.001})
	if delta["bri"] != 1 {
		t.Errorf("bri at floor: %v", delta["bri"])
	}
}

func TestTranslateCommandColorTemperature(t *testing.T) {
	delta, err := translateCommand(model.Command{Capability: model.CapColorTemperature, Value: 2732.0})
	if err != nil {
		t.Fatal(err)
	}
	if delta["ct"] != 366 {
		t.Errorf("ct: %v", delta["ct"])
	}
}

func TestTranslateCommandColorRGB(t *testing.T) {
	delta, err := translateCommand(model.Command{
		Capability: model.CapColorRGB,
		Value:      []any{1.0, 0.0, 0.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if delta["on"] != true {
		t.Error("color must switch the light on")
	}

	xy, ok := delta["xy"].([]float64)
	if !ok || len(xy) != 2 {
		t.Fatalf("xy: %v", delta["xy"])
	}
	// Pure red lands near the gamut's red corner.
	if math.Abs(xy[0]-0.7006) > 0.005 || math.Abs(xy[1]-0.2993) > 0.005 {
		t.Errorf("red xy: %v", xy)
	}

	// White sits at the D65 white point at full brightness.
	delta, err = translateCommand(model.Command{
		Capability: model.CapColorRGB,
		Value:      []float64{1, 1, 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	xy = delta["xy"].([]float64)
	if math.Abs(xy[0]-0.3227) > 0.005 || math.Abs(xy[1]-0.3290) > 0.005 {
		t.Errorf("white xy: %v", xy)
	}
	if delta["bri"] != 254 {
		t.Errorf("white bri: %v", delta["bri"])
	}
}

func TestTranslateCommandRejectsBadValues(t *testing.T) {
	cases := []model.Command{
		{Capability: model.CapBrightness, Value: 1.5},
		{Capability: model.CapBrightness, Value: "bright"},
		{Capability: model.CapOnOff, Value: 1},
		{Capability: model.CapColorTemperature, Value: -100.0},
		{Capability: model.CapColorRGB, Value: []any{0.1, 0.2}},
		{Capability: model.CapColorRGB, Value: []any{1.5, 0.0, 0.0}},
		{Capability: model.CapColorRGB, Value: "red"},
	}
	for _, cmd := range cases {
		if _, err := translateCommand(cmd); err == nil {
			t.Errorf("%s with %v should fail", cmd.Capability, cmd.Value)
		} else if model.CategoryOf(err) != model.CategoryBadRequest {
			t.Errorf("%s: wrong category %s", cmd.Capability, model.CategoryOf(err))
		}
	}
}

func TestTranslateState(t *testing.T) {
	st, attrs := translateState(lightState{On: true, Bri: 254, Ct: 250, Reachable: false})
	if st["on"] != true {
		t.Errorf("on: %v", st["on"])
	}
	if st["brightness"] != 1.0 {
		t.Errorf("brightness: %v", st["brightness"])
	}
	if st["color_temperature"] != 4000.0 {
		t.Errorf("color_temperature: %v", st["color_temperature"])
	}
	if attrs["reachable"] != false {
		t.Errorf("reachable: %v", attrs["reachable"])
	}
}
