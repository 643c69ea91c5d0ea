package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/usenocturne/synthlink/bluetooth"
)

func newHubServer(t *testing.T, hub *WebSocketHub) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.AddClient(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *WebSocketHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, hub.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	var msg struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return msg.Type, msg.Payload
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub := NewWebSocketHub(nil)
	url := newHubServer(t, hub)
	a, b := dial(t, url), dial(t, url)
	waitClients(t, hub, 2)

	hub.Broadcast(WebSocketEvent{Type: "ping", Payload: map[string]int{"n": 1}})

	for _, c := range []*websocket.Conn{a, b} {
		typ, payload := readEvent(t, c)
		if typ != "ping" || string(payload) != `{"n":1}` {
			t.Errorf("Expected ping {\"n\":1}, got %s %s", typ, payload)
		}
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewWebSocketHub(nil)
	url := newHubServer(t, hub)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	hub.mu.Lock()
	for c := range hub.clients {
		c.Close()
	}
	hub.mu.Unlock()
	conn.Close()

	hub.Broadcast(WebSocketEvent{Type: "ping"})
	if hub.Count() != 0 {
		t.Errorf("Expected failed client removed, %d left", hub.Count())
	}
}

type stubSource struct {
	status bluetooth.Status
	screen *bluetooth.FrameBuffer
}

func (s stubSource) Status() bluetooth.Status       { return s.status }
func (s stubSource) Screen() *bluetooth.FrameBuffer { return s.screen }

func TestDeviceBroadcasterForwardsNotifications(t *testing.T) {
	hub := NewWebSocketHub(nil)
	url := newHubServer(t, hub)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	fb := bluetooth.NewFrameBuffer(8, 8)
	fb.Assemble([][]byte{{0x01, 0x02}})

	b := NewDeviceBroadcaster(hub, nil)
	b.Attach(stubSource{status: bluetooth.Status{DeviceName: "synth-1"}, screen: fb})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	var observer bluetooth.Observer = b
	observer.ConnectionChanged(true)
	observer.ReconnectionChanged(false)
	observer.ScreenUpdated()

	typ, payload := readEvent(t, conn)
	if typ != EVENT_CONNECTION || string(payload) != `{"connected":true,"deviceName":"synth-1"}` {
		t.Errorf("Unexpected connection event: %s %s", typ, payload)
	}
	typ, payload = readEvent(t, conn)
	if typ != EVENT_RECONNECTION || string(payload) != `{"reconnecting":false,"deviceName":"synth-1"}` {
		t.Errorf("Unexpected reconnection event: %s %s", typ, payload)
	}

	typ, payload = readEvent(t, conn)
	if typ != EVENT_SCREEN {
		t.Fatalf("Expected %s, got %s", EVENT_SCREEN, typ)
	}
	var screen ScreenPayload
	if err := json.Unmarshal(payload, &screen); err != nil {
		t.Fatal(err)
	}
	if screen.Width != 8 || screen.Height != 8 || len(screen.Data) != 8 || screen.Data[1] != 0x02 {
		t.Errorf("Unexpected screen payload: %+v", screen)
	}
}

func TestDeviceBroadcasterDropsWhenQueueFull(t *testing.T) {
	b := NewDeviceBroadcaster(NewWebSocketHub(nil), nil)
	for i := 0; i < cap(b.queue)+10; i++ {
		b.ConnectionChanged(true)
	}
	if len(b.queue) != cap(b.queue) {
		t.Errorf("Expected a full queue, got %d", len(b.queue))
	}

	// Without an attached device there is no screen to send.
	b2 := NewDeviceBroadcaster(NewWebSocketHub(nil), nil)
	b2.ScreenUpdated()
	if len(b2.queue) != 0 {
		t.Error("Expected no screen event without a device")
	}
}
