package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil, nil)
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(EventJobUpdate, map[string]string{"state": "polling"})
	hub.Notify("HEIC images are not supported here.")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first, second struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &first))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &second))

	assert.Equal(t, EventJobUpdate, first.Type)
	assert.Equal(t, "polling", first.Data["state"])
	assert.Equal(t, EventNotice, second.Type)
	assert.Equal(t, "HEIC images are not supported here.", second.Data["message"])

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
