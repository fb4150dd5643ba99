// Package events delivers execution progress to WebSocket clients.
// Clients subscribe to channels ("execution:<id>" or "executions" for
// everything); the replayer publishes snapshots as they change.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/probehound/probehound/pkg/models"
)

// GlobalChannel receives every execution event regardless of id.
const GlobalChannel = "executions"

// ExecutionChannel names the per-execution channel.
func ExecutionChannel(executionID string) string {
	return "execution:" + executionID
}

// ClientMessage is a message from a WebSocket client.
type ClientMessage struct {
	Action  string `json:"action"` // subscribe | unsubscribe | ping
	Channel string `json:"channel,omitempty"`
}

// ConnectionManager manages WebSocket connections and channel
// subscriptions for one process.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*connection

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // channel → connection ids

	writeTimeout time.Duration
}

// connection is a single WebSocket client. subscriptions is only touched
// from the goroutine that owns the connection's read loop.
type connection struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(writeTimeout time.Duration) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &ConnectionManager{
		connections:  make(map[string]*connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	c := &connection{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// PublishExecutionProgress broadcasts an execution snapshot to its
// channel and the global channel. Implements replayer.ProgressPublisher.
func (m *ConnectionManager) PublishExecutionProgress(exec *models.Execution) {
	payload, err := json.Marshal(map[string]any{
		"type":      "execution.progress",
		"execution": exec,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	m.Broadcast(ExecutionChannel(exec.ID), payload)
	m.Broadcast(GlobalChannel, payload)
}

// Broadcast sends a payload to every connection subscribed to the
// channel. Slow clients are skipped after the write timeout.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.channelMu.RLock()
	ids := make([]string, 0, len(m.channels[channel]))
	for id := range m.channels[channel] {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	if len(ids) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.id, "error", err)
		}
	}
}

// ActiveConnections returns the count of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) handleClientMessage(c *connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (m *ConnectionManager) register(c *connection) {
	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
}

func (m *ConnectionManager) unregister(c *connection) {
	m.channelMu.Lock()
	for channel := range c.subscriptions {
		if subs, ok := m.channels[channel]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(m.channels, channel)
			}
		}
	}
	m.channelMu.Unlock()

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
}

func (m *ConnectionManager) subscribe(c *connection, channel string) {
	m.channelMu.Lock()
	if _, ok := m.channels[channel]; !ok {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.id] = true
	m.channelMu.Unlock()
	c.subscriptions[channel] = true
}

func (m *ConnectionManager) unsubscribe(c *connection, channel string) {
	m.channelMu.Lock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()
	delete(c.subscriptions, channel)
}

func (m *ConnectionManager) sendJSON(c *connection, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := m.sendRaw(c, payload); err != nil {
		slog.Warn("Failed to send to WebSocket client", "connection_id", c.id, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *connection, payload []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}
