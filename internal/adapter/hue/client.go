// Package hue implements the Philips Hue bridge driver. The bridge
// exposes a local HTTPS API with a self-signed certificate; state is
// polled since the classic API has no push channel.
package hue

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seawatts/cove/internal/brand"
	"github.com/seawatts/cove/internal/model"
)

const clientTimeout = 10 * time.Second

// Bridge error types from the API error envelope.
const (
	errUnauthorized  = 1
	errLinkButton    = 101
	errInternalError = 901
)

// client talks to one bridge.
type client struct {
	addr string // host or host:port
	http *http.Client
}

func newClient(addr string) *client {
	return &client{
		addr: addr,
		http: &http.Client{
			Timeout: clientTimeout,
			Transport: &http.Transport{
				// Bridges serve a self-signed certificate for their
				// internal hostname; there is nothing to verify against.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// apiError is the bridge's error envelope entry.
type apiError struct {
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

// lightState is the state block of a light resource.
type lightState struct {
	On        bool `json:"on"`
	Bri       int  `json:"bri"`
	Ct        int  `json:"ct"`
	Reachable bool `json:"reachable"`
}

// light is one light resource.
type light struct {
	State            lightState `json:"state"`
	Type             string     `json:"type"`
	Name             string     `json:"name"`
	ModelID          string     `json:"modelid"`
	ManufacturerName string     `json:"manufacturername"`
	UniqueID         string     `json:"uniqueid"`
	SWVersion        string     `json:"swversion"`
}

// bridgeConfig is the subset of /config the hub uses.
type bridgeConfig struct {
	Name      string `json:"name"`
	BridgeID  string `json:"bridgeid"`
	ModelID   string `json:"modelid"`
	SWVersion string `json:"swversion"`
}

func (c *client) url(path string) string {
	return "https://" + c.addr + path
}

func (c *client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", brand.LowerName+"/"+brand.Version)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.Wrap(model.CategoryTransient, err, "bridge %s", c.addr)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, model.E(model.CategoryTransient, "bridge %s throttling", c.addr)
	}
	if resp.StatusCode >= 400 {
		return nil, model.E(model.CategoryTransient, "bridge %s: status %d", c.addr, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// checkEnvelope surfaces an error entry from a bridge response array.
func checkEnvelope(data []byte) error {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		// Object responses (GET resources) have no envelope.
		return nil
	}
	for _, entry := range entries {
		raw, ok := entry["error"]
		if !ok {
			continue
		}
		var e apiError
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		switch e.Type {
		case errLinkButton:
			return model.E(model.CategoryAuth, "link button not pressed")
		case errUnauthorized:
			return model.E(model.CategoryAuth, "unauthorized user")
		default:
			return model.E(model.CategoryProtocol, "bridge error %d: %s", e.Type, e.Description)
		}
	}
	return nil
}

// createUser registers an application key. Succeeds only within the
// pairing window after the link button press.
func (c *client) createUser(ctx context.Context) (string, error) {
	data, err := c.do(ctx, http.MethodPost, "/api",
		map[string]string{"devicetype": brand.LowerName + "#hub"})
	if err != nil {
		return "", err
	}
	if err := checkEnvelope(data); err != nil {
		return "", err
	}

	var entries []struct {
		Success struct {
			Username string `json:"username"`
		} `json:"success"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return "", model.Wrap(model.CategoryProtocol, err, "decode createUser response")
	}
	for _, e := range entries {
		if e.Success.Username != "" {
			return e.Success.Username, nil
		}
	}
	return "", model.E(model.CategoryProtocol, "no username in response")
}

// config reads bridge identity. With a username the authenticated view
// is returned; without one the bridge still serves the public subset.
func (c *client) config(ctx context.Context, username string) (bridgeConfig, error) {
	path := "/api/config"
	if username != "" {
		path = "/api/" + username + "/config"
	}
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return bridgeConfig{}, err
	}
	if err := checkEnvelope(data); err != nil {
		return bridgeConfig{}, err
	}

	var cfg bridgeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return bridgeConfig{}, model.Wrap(model.CategoryProtocol, err, "decode config")
	}
	return cfg, nil
}

// lights fetches all light resources.
func (c *client) lights(ctx context.Context, username string) (map[string]light, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/"+username+"/lights", nil)
	if err != nil {
		return nil, err
	}
	if err := checkEnvelope(data); err != nil {
		return nil, err
	}

	var out map[string]light
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, model.Wrap(model.CategoryProtocol, err, "decode lights")
	}
	return out, nil
}

// setLightState writes a state delta to one light.
func (c *client) setLightState(ctx context.Context, username, lightID string, state map[string]any) error {
	path := fmt.Sprintf("/api/%s/lights/%s/state", username, lightID)
	data, err := c.do(ctx, http.MethodPut, path, state)
	if err != nil {
		return err
	}
	return checkEnvelope(data)
}
