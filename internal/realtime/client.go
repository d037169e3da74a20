package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one dashboard connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	mu     sync.RWMutex
	userID string

	sendOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.cfg.SendBuffer),
		rooms: make(map[string]struct{}),
	}
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// ServeHTTP upgrades the request. A token in the "token" query parameter
// or the Authorization header authenticates the connection immediately;
// otherwise the client must send an auth message within AuthGrace.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if token := requestToken(r); token != "" {
		id, err := h.verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	if !h.register(c) {
		closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		conn.Close() //nolint:errcheck // already rejecting
		return
	}

	if userID != "" {
		c.authenticate(userID, "")
	} else {
		time.AfterFunc(h.cfg.AuthGrace, func() {
			if c.UserID() == "" {
				h.logger.Debug("realtime client did not authenticate in time")
				closeWith(conn, websocket.ClosePolicyViolation, "authentication required")
				conn.Close() //nolint:errcheck // reader exits on the closed conn
			}
		})
	}

	go c.writePump()
	go c.readPump()
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// closeWith sends a close frame. WriteControl is safe alongside the write pump.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // best effort
}

// authenticate binds the connection to userID and joins the user room.
func (c *Client) authenticate(userID, requestID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()

	c.hub.join(c, UserRoom(userID))
	c.reply(reply{Type: MsgAuthOK, ID: requestID, UserID: userID})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close() //nolint:errcheck // connection is finished
	}()

	cfg := c.hub.cfg
	wait := cfg.PingInterval + cfg.PongTimeout
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // best effort
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		// Application messages count as liveness too.
		_ = c.conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // best effort
		c.handleMessage(data)
	}
}

func (c *Client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // connection is finished
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // best effort
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout)) //nolint:errcheck // write error caught below
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout)) //nolint:errcheck // ping error caught below
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.replyError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case MsgPing:
		c.reply(reply{Type: MsgPong, ID: msg.ID})
		return
	case MsgAuth:
		c.handleAuth(msg)
		return
	}

	userID := c.UserID()
	if userID == "" {
		c.replyError(msg.ID, "not authenticated")
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		c.handleSubscribe(userID, msg)
	case MsgUnsubscribe:
		if msg.DeviceID == "" {
			c.replyError(msg.ID, "device_id is required")
			return
		}
		c.hub.leave(c, DeviceRoom(msg.DeviceID))
		c.reply(reply{Type: MsgUnsubscribed, ID: msg.ID, DeviceID: msg.DeviceID})
	case MsgSnapshot:
		c.handleSnapshot(userID, msg)
	default:
		c.replyError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *Client) handleAuth(msg inbound) {
	if c.UserID() != "" {
		c.replyError(msg.ID, "already authenticated")
		return
	}
	userID, err := c.hub.verifier.Verify(msg.Token)
	if err != nil {
		c.hub.logger.Debug("realtime auth rejected", "error", err)
		closeWith(c.conn, websocket.ClosePolicyViolation, "invalid token")
		c.conn.Close() //nolint:errcheck // reader exits on the closed conn
		return
	}
	c.authenticate(userID, msg.ID)
}

func (c *Client) handleSubscribe(userID string, msg inbound) {
	if msg.DeviceID == "" {
		c.replyError(msg.ID, "device_id is required")
		return
	}
	if c.hub.access == nil || !c.hub.access.CanView(userID, msg.DeviceID) {
		c.replyError(msg.ID, "device not found")
		return
	}
	c.hub.join(c, DeviceRoom(msg.DeviceID))
	c.reply(reply{Type: MsgSubscribed, ID: msg.ID, DeviceID: msg.DeviceID})
}

func (c *Client) handleSnapshot(userID string, msg inbound) {
	if c.hub.snapshots == nil {
		c.replyError(msg.ID, "snapshot unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	devices, err := c.hub.snapshots.Snapshot(ctx, userID)
	if err != nil {
		c.hub.logger.Warn("realtime snapshot failed", "user_id", userID, "error", err)
		c.replyError(msg.ID, "snapshot failed")
		return
	}
	c.reply(reply{Type: MsgSnapshot, ID: msg.ID, Devices: devices})
}

func (c *Client) reply(r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *Client) replyError(id, message string) {
	c.reply(reply{Type: MsgError, ID: id, Message: message})
}

// trySend queues data without blocking. It reports false when the buffer
// is full or the client is gone.
func (c *Client) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil { // send on closed channel
			sent = false
		}
	}()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

// shutdown is used by Hub.Close.
func (c *Client) shutdown() {
	c.closeSend()
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // hub is closing
	}
}
