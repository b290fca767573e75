package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seawatts/cove/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if after, ok := strings.CutPrefix(origin, "http://"); ok {
			return after == host
		}
		if after, ok := strings.CutPrefix(origin, "https://"); ok {
			return after == host
		}
		return false
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

// wsEnvelope is the frame sent to clients.
type wsEnvelope struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// wsControl is the frame received from clients.
type wsControl struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// handleEvents upgrades the connection and streams bus events matching
// the client's topic patterns. Each subscribe replaces the previous
// pattern set; an empty set means everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		stop:   make(chan struct{}),
	}
	go c.writePump()
	c.readPump()
}

// wsConn is one connected event stream client.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	stop   chan struct{}

	sub *events.Subscription
}

// readPump processes control frames until the connection drops, then
// tears the client down.
func (c *wsConn) readPump() {
	defer func() {
		c.resubscribe(nil)
		close(c.stop)
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var ctl wsControl
		if err := json.Unmarshal(message, &ctl); err != nil {
			continue
		}
		switch ctl.Type {
		case "subscribe":
			c.resubscribe(ctl.Topics)
		case "unsubscribe":
			c.resubscribe(nil)
		}
	}
}

// resubscribe swaps the bus subscription for the new pattern set. nil
// detaches entirely.
func (c *wsConn) resubscribe(patterns []string) {
	if c.sub != nil {
		c.server.opts.Bus.Unsubscribe(c.sub)
		c.sub = nil
	}
	if patterns == nil {
		return
	}

	sub := c.server.opts.Bus.Subscribe(wsSendBuffer, patterns...)
	c.sub = sub
	go c.forward(sub)
}

// forward copies one subscription into the send channel. It exits when
// the subscription is swapped out (its channel closes).
func (c *wsConn) forward(sub *events.Subscription) {
	for e := range sub.C() {
		frame, err := json.Marshal(wsEnvelope{
			Type:      "event",
			Topic:     e.Topic,
			Timestamp: e.Timestamp,
			Payload:   e.Payload,
		})
		if err != nil {
			continue
		}
		select {
		case c.send <- frame:
		case <-c.stop:
			return
		default:
			// Client is not draining; the mailbox already absorbs
			// bursts, so drop rather than block the forwarder.
		}
	}
}

func (c *wsConn) writePump() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}
