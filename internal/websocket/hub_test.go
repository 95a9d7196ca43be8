package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func identify(t *testing.T, conn *websocket.Conn, deviceID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(BaseMessage{Type: MsgDeviceIdentify, DeviceID: deviceID, MsgID: "m1"}))
	var ack map[string]string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ACK", ack["type"])
	assert.Equal(t, "m1", ack["msgId"])
}

func TestIdentifyAndBroadcast(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	identify(t, conn, "tablet-1")
	require.Eventually(t, func() bool { return hub.Connected() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(map[string]string{"type": "change_applied", "entity_id": "APP-001"})
	var ev map[string]string
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "APP-001", ev["entity_id"])

	assert.True(t, hub.SendToDevice("tablet-1", map[string]string{"type": "ping"}))
	assert.False(t, hub.SendToDevice("tablet-9", map[string]string{"type": "ping"}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ping", ev["type"])
}

func TestSameDeviceReplacesOldConnection(t *testing.T) {
	hub, url := startHub(t)
	first := dial(t, url)
	identify(t, first, "tablet-1")
	second := dial(t, url)
	identify(t, second, "tablet-1")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "replaced connection must be closed")
	require.Eventually(t, func() bool { return hub.Connected() == 1 }, time.Second, 10*time.Millisecond)
}
