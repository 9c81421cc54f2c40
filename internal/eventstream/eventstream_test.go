package eventstream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoneforge-ai/stewards/internal/scheduler"
)

func TestHub_BroadcastsEventToConnectedClient(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server a moment to register the client before broadcasting
	time.Sleep(20 * time.Millisecond)
	hub.broadcast <- scheduler.LifecycleEvent{Kind: scheduler.EventStewardRegistered, StewardID: "merge-steward"}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), "merge-steward")
}

func TestHub_DropsEventWhenClientSendBufferIsFull(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	c := &client{send: make(chan scheduler.LifecycleEvent, 2)}
	hub.mu.Lock()
	hub.clients[c] = true
	hub.mu.Unlock()

	// Nothing drains c.send; the broadcast loop must not block once it
	// fills up.
	for i := 0; i < 20; i++ {
		hub.broadcast <- scheduler.LifecycleEvent{StewardID: "x"}
	}

	require.Eventually(t, func() bool { return len(hub.broadcast) == 0 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, len(c.send), 2)
}
