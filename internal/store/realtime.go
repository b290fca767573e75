package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seawatts/cove/internal/logging"
	"github.com/seawatts/cove/internal/model"
)

const (
	realtimeHeartbeat = 30 * time.Second
	realtimeTopic     = "realtime:public:commands:status=eq.pending"
)

// phxMessage is the phoenix-channel frame the realtime socket speaks.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// Realtime subscribes to command inserts over the remote store's
// WebSocket so new commands reach the hub without polling. One Connect
// yields one session; when the session dies the command channel closes
// and the caller decides whether to reconnect or fall back to polling.
type Realtime struct {
	client *Client
	log    *logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRealtime creates a realtime subscriber backed by client's endpoint.
func NewRealtime(client *Client) *Realtime {
	return &Realtime{
		client: client,
		log:    logging.WithComponent("realtime"),
	}
}

func (r *Realtime) wsURL() string {
	u := r.client.BaseURL()
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/realtime/v1/websocket?apikey=" + r.client.Key() + "&vsn=1.0.0"
}

// Connect dials the realtime socket and joins the pending-commands
// channel. The returned channel delivers inserted commands and is closed
// when the session ends for any reason.
func (r *Realtime) Connect(ctx context.Context) (<-chan model.Command, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.wsURL(), nil)
	if err != nil {
		return nil, model.Wrap(model.CategoryTransient, err, "dial realtime socket")
	}

	join := phxMessage{
		Topic:   realtimeTopic,
		Event:   "phx_join",
		Payload: json.RawMessage(`{}`),
		Ref:     "1",
	}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, model.Wrap(model.CategoryTransient, err, "join realtime channel")
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	out := make(chan model.Command, 64)
	done := make(chan struct{})

	go r.heartbeatLoop(ctx, conn, done)
	go r.readLoop(ctx, conn, out, done)

	return out, nil
}

// Close tears down the current session, if any.
func (r *Realtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

func (r *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(realtimeHeartbeat)
	defer ticker.Stop()

	ref := 2
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			hb := phxMessage{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: json.RawMessage(`{}`),
				Ref:     strconv.Itoa(ref),
			}
			ref++
			if err := conn.WriteJSON(hb); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (r *Realtime) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- model.Command, done chan<- struct{}) {
	defer close(out)
	defer close(done)
	defer conn.Close()

	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				r.log.Warn("realtime session ended", "error", err)
			}
			return
		}

		if msg.Topic != realtimeTopic || msg.Event != "INSERT" {
			continue
		}

		var payload struct {
			Record model.Command `json:"record"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			r.log.Warn("malformed realtime payload", "error", err)
			continue
		}
		if payload.Record.ID == "" {
			continue
		}

		select {
		case out <- payload.Record:
		case <-ctx.Done():
			return
		}
	}
}
