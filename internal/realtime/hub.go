package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
	"github.com/botcareu/botcareu-core/internal/infrastructure/metrics"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// ErrHubClosed is returned when publishing on a closed hub.
var ErrHubClosed = errors.New("realtime: hub closed")

// TokenVerifier resolves a bearer token to a user ID.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// DeviceAccess decides whether a user may subscribe to a device.
type DeviceAccess interface {
	CanView(userID, deviceID string) bool
}

// SnapshotProvider returns the current devices of a user for reconciliation.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, userID string) (any, error)
}

// Logger is the logging interface used by the hub.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Config holds hub settings.
type Config struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration
	AuthGrace      time.Duration
	SendBuffer     int
}

// ConfigFrom converts the YAML websocket section.
func ConfigFrom(c config.WebSocketConfig) Config {
	return Config{
		MaxMessageSize: c.MaxMessageSize,
		PingInterval:   c.PingInterval,
		PongTimeout:    c.PongTimeout,
		AuthGrace:      c.AuthGrace,
		SendBuffer:     c.SendBuffer,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8192
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.AuthGrace <= 0 {
		c.AuthGrace = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Hub tracks connections and their rooms.
type Hub struct {
	cfg       Config
	verifier  TokenVerifier
	access    DeviceAccess
	snapshots SnapshotProvider
	clock     telemetry.Clock
	logger    Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	closed  bool

	dropped atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithDeviceAccess sets the ownership check for device subscriptions.
// Without it every device subscription is refused.
func WithDeviceAccess(a DeviceAccess) Option {
	return func(h *Hub) { h.access = a }
}

// WithSnapshots sets the snapshot provider.
func WithSnapshots(p SnapshotProvider) Option {
	return func(h *Hub) { h.snapshots = p }
}

// WithClock sets the clock used for envelope timestamps.
func WithClock(c telemetry.Clock) Option {
	return func(h *Hub) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithCheckOrigin overrides the upgrade origin check. Origins are
// accepted by default; CORS is handled by the HTTP middleware.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub creates a hub.
func NewHub(cfg Config, verifier TokenVerifier, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg.withDefaults(),
		verifier: verifier,
		clock:    telemetry.SystemClock{},
		logger:   noopLogger{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Close()
}

// Close disconnects every client. Later upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	clear(h.rooms)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	h.metrics.SetClients(0)
}

// Publish sends an event to every authenticated connection of userID.
func (h *Hub) Publish(userID, eventType string, payload any) error {
	return h.publish(UserRoom(userID), eventType, userID, payload)
}

// PublishDevice sends an event to every subscriber of deviceID.
func (h *Hub) PublishDevice(deviceID, eventType string, payload any) error {
	return h.publish(DeviceRoom(deviceID), eventType, deviceID, payload)
}

func (h *Hub) publish(room, eventType, entityID string, payload any) error {
	data, err := json.Marshal(newEnvelope(eventType, entityID, h.clock.Now(), payload))
	if err != nil {
		return fmt.Errorf("marshalling %s event: %w", eventType, err)
	}

	// Snapshot members under the read lock, send after releasing it.
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if !c.trySend(data) {
			h.dropped.Add(1)
			h.metrics.FanoutDropped()
			h.logger.Debug("realtime event dropped", "room", room, "event", eventType)
		}
	}
	return nil
}

// ClientCount returns the number of open connections, authenticated or not.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Dropped returns how many events were dropped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetClients(n)
	h.logger.Debug("realtime client connected", "clients", n)
	return true
}

// unregister removes c from the hub and all rooms. Only the caller that
// removes c from the map closes its send channel.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		c.closeSend()
		h.metrics.SetClients(n)
		h.logger.Debug("realtime client disconnected", "clients", n)
	}
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}
