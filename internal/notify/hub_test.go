package notify

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dial connects userID to a test server wrapping hub and waits until the hub
// has registered the connection.
func dial(t *testing.T, hub *Hub, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, userID)
	}))
	t.Cleanup(srv.Close)

	before := hub.Connected(userID)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Connected(userID) > before }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHubPushReachesUser(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	farmer := uuid.New()
	other := uuid.New()
	conn := dial(t, hub, farmer)

	assert.Equal(t, 0, hub.Push(other, map[string]string{"x": "y"}))
	assert.Equal(t, 1, hub.Push(farmer, map[string]string{"type": "ping"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]string
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "ping", got["type"])
}

func TestHubMultipleConnections(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	user := uuid.New()
	a := dial(t, hub, user)
	b := dial(t, hub, user)
	assert.Equal(t, 2, hub.Connected(user))
	assert.Equal(t, 2, hub.Push(user, map[string]int{"n": 1}))

	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got map[string]int
		require.NoError(t, c.ReadJSON(&got))
		assert.Equal(t, 1, got["n"])
	}
}

func TestHubUnregistersOnClientClose(t *testing.T) {
	hub := NewHub(testLogger())
	defer hub.Close()

	user := uuid.New()
	conn := dial(t, hub, user)
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	conn.Close()

	assert.Eventually(t, func() bool { return hub.Connected(user) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(testLogger())

	user := uuid.New()
	conn := dial(t, hub, user)
	hub.Close()

	assert.Equal(t, 0, hub.Connected(user))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
