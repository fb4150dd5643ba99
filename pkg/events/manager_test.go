package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/models"
)

func newWSServer(t *testing.T) (*ConnectionManager, string) {
	t.Helper()
	manager := NewConnectionManager(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return manager, "ws" + server.URL[len("http"):]
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

func TestConnectionManager_SubscribeAndReceiveProgress(t *testing.T) {
	manager, url := newWSServer(t)
	conn := dial(t, url)

	established := readMessage(t, conn)
	assert.Equal(t, "connection.established", established["type"])

	send(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalChannel})
	confirmed := readMessage(t, conn)
	assert.Equal(t, "subscription.confirmed", confirmed["type"])
	assert.Equal(t, GlobalChannel, confirmed["channel"])

	manager.PublishExecutionProgress(&models.Execution{
		ID:     "exec-1",
		FlowID: "flow-1",
		Status: models.ExecutionRunning,
		Total:  4,
		Done:   1,
	})

	progress := readMessage(t, conn)
	assert.Equal(t, "execution.progress", progress["type"])
	exec := progress["execution"].(map[string]any)
	assert.Equal(t, "exec-1", exec["execution_id"])
	assert.EqualValues(t, 1, exec["done"])
}

func TestConnectionManager_PerExecutionChannel(t *testing.T) {
	manager, url := newWSServer(t)
	conn := dial(t, url)
	readMessage(t, conn) // connection.established

	send(t, conn, ClientMessage{Action: "subscribe", Channel: ExecutionChannel("exec-a")})
	readMessage(t, conn) // subscription.confirmed

	// A different execution's progress must not reach this subscriber.
	manager.PublishExecutionProgress(&models.Execution{ID: "exec-b", Status: models.ExecutionRunning})
	manager.PublishExecutionProgress(&models.Execution{ID: "exec-a", Status: models.ExecutionSucceeded})

	msg := readMessage(t, conn)
	exec := msg["execution"].(map[string]any)
	assert.Equal(t, "exec-a", exec["execution_id"])
}

func TestConnectionManager_PingPong(t *testing.T) {
	_, url := newWSServer(t)
	conn := dial(t, url)
	readMessage(t, conn)

	send(t, conn, ClientMessage{Action: "ping"})
	pong := readMessage(t, conn)
	assert.Equal(t, "pong", pong["type"])
}

func TestConnectionManager_UnregisterOnClose(t *testing.T) {
	manager, url := newWSServer(t)
	conn := dial(t, url)
	readMessage(t, conn)

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, time.Second, 10*time.Millisecond)
}
