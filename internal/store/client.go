// Package store talks to the remote cloud store: a PostgREST-style REST
// API for rows plus a realtime WebSocket for command notifications. Two
// bus-driven sinks persist entity state, one keeping only the latest row
// per entity and one appending history in batches.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seawatts/cove/internal/brand"
	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/model"
)

const requestTimeout = 15 * time.Second

// Client is a thin REST client for the remote store. All writes are
// idempotent upserts or guarded updates so retries are safe.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewClient creates a remote store client for baseURL, authenticating
// every request with key.
func NewClient(baseURL, key string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// HistoryRecord is one append-only state observation.
type HistoryRecord struct {
	EntityID   string         `json:"entity_id"`
	State      map[string]any `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Hub is the hub presence row. Online distinguishes a cleanly stopped
// hub from one that merely stopped heartbeating.
type Hub struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, prefer string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	u := c.baseURL + "/rest/v1/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("User-Agent", brand.LowerName+"/"+brand.Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.Wrap(model.CategoryPersistence, err, "%s %s", method, path)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, model.E(model.CategoryPersistence, "%s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (c *Client) write(ctx context.Context, method, path string, query url.Values, body any, prefer string) error {
	resp, err := c.do(ctx, method, path, query, body, prefer)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// UpsertDevices mirrors device rows, merging on (protocol, fingerprint).
func (c *Client) UpsertDevices(ctx context.Context, devices []model.Device) error {
	if len(devices) == 0 {
		return nil
	}
	q := url.Values{"on_conflict": {"protocol,fingerprint"}}
	return c.write(ctx, http.MethodPost, "devices", q, devices,
		"resolution=merge-duplicates,return=minimal")
}

// UpsertEntities mirrors entity rows, merging on id.
func (c *Client) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	q := url.Values{"on_conflict": {"id"}}
	return c.write(ctx, http.MethodPost, "entities", q, entities,
		"resolution=merge-duplicates,return=minimal")
}

// UpsertEntityState writes latest-state rows, one per entity.
func (c *Client) UpsertEntityState(ctx context.Context, states []model.EntityState) error {
	if len(states) == 0 {
		return nil
	}
	q := url.Values{"on_conflict": {"entity_id"}}
	return c.write(ctx, http.MethodPost, "entity_state", q, states,
		"resolution=merge-duplicates,return=minimal")
}

// InsertHistory appends a batch of history records.
func (c *Client) InsertHistory(ctx context.Context, records []HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	return c.write(ctx, http.MethodPost, "entity_state_history", nil, records,
		"return=minimal")
}

// PendingCommands fetches queued commands oldest first.
func (c *Client) PendingCommands(ctx context.Context) ([]model.Command, error) {
	q := url.Values{
		"status": {"eq." + string(model.StatusPending)},
		"order":  {"created_at.asc"},
	}
	resp, err := c.do(ctx, http.MethodGet, "commands", q, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cmds []model.Command
	if err := json.NewDecoder(resp.Body).Decode(&cmds); err != nil {
		return nil, model.Wrap(model.CategoryPersistence, err, "decode pending commands")
	}
	return cmds, nil
}

// ClaimCommand moves a command from pending to processing. The status
// filter makes the update conditional: when another writer got there
// first no row matches and the claim reports false.
func (c *Client) ClaimCommand(ctx context.Context, commandID string) (bool, error) {
	q := url.Values{
		"id":     {"eq." + commandID},
		"status": {"eq." + string(model.StatusPending)},
	}
	body := map[string]any{"status": model.StatusProcessing}

	resp, err := c.do(ctx, http.MethodPatch, "commands", q, body, "return=representation")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var rows []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return false, model.Wrap(model.CategoryPersistence, err, "decode claim result")
	}
	return len(rows) > 0, nil
}

// FinishCommand writes the terminal status for a command.
func (c *Client) FinishCommand(ctx context.Context, commandID string, status model.CommandStatus, errMsg string) error {
	q := url.Values{"id": {"eq." + commandID}}
	body := map[string]any{
		"status":       status,
		"processed_at": clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	return c.write(ctx, http.MethodPatch, "commands", q, body, "return=minimal")
}

// RegisterHub upserts the hub presence row.
func (c *Client) RegisterHub(ctx context.Context, hub Hub) error {
	q := url.Values{"on_conflict": {"id"}}
	return c.write(ctx, http.MethodPost, "hubs", q, []Hub{hub},
		"resolution=merge-duplicates,return=minimal")
}

// Heartbeat refreshes the hub's last-seen timestamp and keeps the
// online flag set, recovering it after a crashed run left it stale.
func (c *Client) Heartbeat(ctx context.Context, hubID string) error {
	q := url.Values{"id": {"eq." + hubID}}
	body := map[string]any{
		"online":    true,
		"last_seen": clock.Now().UTC().Format(time.RFC3339Nano),
	}
	return c.write(ctx, http.MethodPatch, "hubs", q, body, "return=minimal")
}

// MarkOffline clears the hub's online flag on clean shutdown.
func (c *Client) MarkOffline(ctx context.Context, hubID string) error {
	q := url.Values{"id": {"eq." + hubID}}
	body := map[string]any{
		"online":    false,
		"last_seen": clock.Now().UTC().Format(time.RFC3339Nano),
	}
	return c.write(ctx, http.MethodPatch, "hubs", q, body, "return=minimal")
}

// BaseURL exposes the configured endpoint for the realtime channel.
func (c *Client) BaseURL() string { return c.baseURL }

// Key exposes the API key for the realtime channel.
func (c *Client) Key() string { return c.key }

// String implements fmt.Stringer without leaking the key.
func (c *Client) String() string {
	return fmt.Sprintf("store.Client(%s)", c.baseURL)
}
