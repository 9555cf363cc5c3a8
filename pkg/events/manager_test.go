package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsFixture runs a ConnectionManager behind a real WebSocket endpoint.
type wsFixture struct {
	manager *ConnectionManager
	server  *httptest.Server
}

func newWSFixture(t *testing.T, catchup CatchupQuerier) *wsFixture {
	t.Helper()
	manager := NewConnectionManager(catchup, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return &wsFixture{manager: manager, server: server}
}

func (f *wsFixture) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func writeJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionManager_SubscribeAndBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newWSFixture(t, nil)
	conn := f.dial(t, ctx)

	msg := readJSON(t, ctx, conn)
	assert.Equal(t, "connection.established", msg["type"])

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe", Topic: TopicLiveLog})
	msg = readJSON(t, ctx, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, TopicLiveLog, msg["topic"])

	require.Eventually(t, func() bool {
		return f.manager.subscriberCount(TopicLiveLog) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.manager.Deliver(TopicLiveLog, []byte(`{"type":"log","data":{"message":"hi"}}`))
	msg = readJSON(t, ctx, conn)
	assert.Equal(t, "log", msg["type"])

	// A topic nobody subscribed to goes nowhere, without error.
	f.manager.Deliver(TopicPhaseError, []byte(`{"type":"phase_error"}`))
}

func TestConnectionManager_UnsubscribeStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newWSFixture(t, nil)
	conn := f.dial(t, ctx)
	readJSON(t, ctx, conn) // connection.established

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe", Topic: TopicStatusUpdate})
	readJSON(t, ctx, conn) // subscription.confirmed
	require.Eventually(t, func() bool {
		return f.manager.subscriberCount(TopicStatusUpdate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	writeJSON(t, ctx, conn, ClientMessage{Action: "unsubscribe", Topic: TopicStatusUpdate})
	require.Eventually(t, func() bool {
		return f.manager.subscriberCount(TopicStatusUpdate) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Ping still answered after unsubscribe.
	writeJSON(t, ctx, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, ctx, conn)
	assert.Equal(t, "pong", msg["type"])
}

// staticCatchup serves a fixed replay set.
type staticCatchup struct {
	events [][]byte
}

func (s *staticCatchup) Recent(context.Context, string, int) ([][]byte, error) {
	return s.events, nil
}

func TestConnectionManager_CatchupOnSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	catchup := &staticCatchup{events: [][]byte{
		[]byte(`{"type":"phase_update","data":{"task_id":"t1","seq":1}}`),
		[]byte(`{"type":"phase_update","data":{"task_id":"t1","seq":2}}`),
	}}
	f := newWSFixture(t, catchup)
	conn := f.dial(t, ctx)
	readJSON(t, ctx, conn) // connection.established

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe", Topic: TaskTopic("t1")})
	msg := readJSON(t, ctx, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])

	first := readJSON(t, ctx, conn)
	second := readJSON(t, ctx, conn)
	assert.Equal(t, float64(1), first["data"].(map[string]any)["seq"])
	assert.Equal(t, float64(2), second["data"].(map[string]any)["seq"])
}

func TestConnectionManager_DisconnectCleansUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f := newWSFixture(t, nil)
	conn := f.dial(t, ctx)
	readJSON(t, ctx, conn)

	writeJSON(t, ctx, conn, ClientMessage{Action: "subscribe", Topic: TopicLog})
	readJSON(t, ctx, conn)
	require.Eventually(t, func() bool {
		return f.manager.ActiveConnections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return f.manager.ActiveConnections() == 0 && f.manager.subscriberCount(TopicLog) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
