package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit is the maximum number of events replayed on subscribe.
const catchupLimit = 200

// CatchupQuerier replays recent events for a topic. Implemented by
// TopicCatchup on the broker's per-channel lists.
type CatchupQuerier interface {
	Recent(ctx context.Context, topic string, limit int) ([][]byte, error)
}

// ConnectionManager manages WebSocket connections and topic subscriptions.
// Each process has one ConnectionManager instance; it is the Dispatcher the
// Ingestor delivers to.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Topic subscriptions: topic → set of connection_ids
	topics  map[string]map[string]bool
	topicMu sync.RWMutex

	catchup CatchupQuerier

	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes happen on the single goroutine that owns this connection
// (HandleConnection's read loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager. catchup may be nil to
// disable replay on subscribe.
func NewConnectionManager(catchup CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		topics:       make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Deliver implements Dispatcher: broadcast a routed payload to a topic's
// subscribers.
func (m *ConnectionManager) Deliver(topic string, payload []byte) {
	m.Broadcast(topic, payload)
}

// Broadcast sends a payload to all connections subscribed to the topic.
func (m *ConnectionManager) Broadcast(topic string, event []byte) {
	m.topicMu.RLock()
	connIDs, exists := m.topics[topic]
	if !exists {
		m.topicMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.topicMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending so a slow client write cannot stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, event); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "topic", topic, "error", err)
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a topic.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(topic string) int {
	m.topicMu.RLock()
	defer m.topicMu.RUnlock()
	return len(m.topics[topic])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Topic == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "topic is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Topic)
		m.sendJSON(c, map[string]string{
			"type":  "subscription.confirmed",
			"topic": msg.Topic,
		})
		// Replay recent events so late subscribers don't start blind.
		m.handleCatchup(ctx, c, msg.Topic, catchupLimit)

	case "unsubscribe":
		if msg.Topic == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "topic is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Topic)

	case "catchup":
		if msg.Topic == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "topic is required for catchup"})
			return
		}
		limit := msg.Limit
		if limit <= 0 || limit > catchupLimit {
			limit = catchupLimit
		}
		m.handleCatchup(ctx, c, msg.Topic, limit)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (m *ConnectionManager) subscribe(c *Connection, topic string) {
	m.topicMu.Lock()
	if _, exists := m.topics[topic]; !exists {
		m.topics[topic] = make(map[string]bool)
	}
	m.topics[topic][c.ID] = true
	m.topicMu.Unlock()

	c.subscriptions[topic] = true
}

func (m *ConnectionManager) unsubscribe(c *Connection, topic string) {
	m.topicMu.Lock()
	if subs, exists := m.topics[topic]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.topics, topic)
		}
	}
	m.topicMu.Unlock()

	delete(c.subscriptions, topic)
}

// handleCatchup replays recent events for a topic to one client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, topic string, limit int) {
	if m.catchup == nil {
		return
	}
	events, err := m.catchup.Recent(ctx, topic, limit)
	if err != nil {
		slog.Error("Catchup query failed", "topic", topic, "error", err)
		return
	}
	for _, evt := range events {
		if err := m.sendRaw(c, evt); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for topic := range c.subscriptions {
		m.unsubscribe(c, topic)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
