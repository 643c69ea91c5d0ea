package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/usenocturne/synthlink/bluetooth"
	"github.com/usenocturne/synthlink/store"
	"github.com/usenocturne/synthlink/utils"
)

type call struct {
	method string
	args   string
}

type fakeController struct {
	mu         sync.Mutex
	status     bluetooth.Status
	screen     *bluetooth.FrameBuffer
	calls      []call
	connectErr error
}

func newFakeController() *fakeController {
	return &fakeController{
		status: bluetooth.Status{AutoReconnect: true},
		screen: bluetooth.NewFrameBuffer(bluetooth.ScreenWidth, bluetooth.ScreenHeight),
	}
}

func (f *fakeController) record(method, args string) {
	f.mu.Lock()
	f.calls = append(f.calls, call{method, args})
	f.mu.Unlock()
}

func (f *fakeController) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeController) Status() bluetooth.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Screen() *bluetooth.FrameBuffer { return f.screen }

func (f *fakeController) ConnectPrompt(ctx context.Context) error {
	f.record("ConnectPrompt", "")
	return nil
}

func (f *fakeController) Connect(ctx context.Context, peer bluetooth.Peer) error {
	f.record("Connect", peer.ID+"/"+peer.Name)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.status.State = bluetooth.StateConnected
	f.status.DeviceName = peer.Name
	f.status.PeerID = peer.ID
	f.status.Mode = bluetooth.ModePush
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Disconnect(ctx context.Context) error {
	f.record("Disconnect", "")
	f.mu.Lock()
	f.status.State = bluetooth.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeController) SetAutoReconnect(ctx context.Context, enabled bool) error {
	f.record("SetAutoReconnect", fmt.Sprint(enabled))
	f.mu.Lock()
	f.status.AutoReconnect = enabled
	f.mu.Unlock()
	return nil
}

func (f *fakeController) SendButton(ctx context.Context, control string, pressed bool) error {
	f.record("SendButton", fmt.Sprintf("%s %v", control, pressed))
	return nil
}

func (f *fakeController) SendEncoder(ctx context.Context, control string, delta int, shift bool) error {
	f.record("SendEncoder", fmt.Sprintf("%s %d %v", control, delta, shift))
	return nil
}

func (f *fakeController) RequestScreen(ctx context.Context) error {
	f.record("RequestScreen", "")
	return nil
}

type fakePeers struct {
	mu    sync.Mutex
	peers []store.RememberedPeer
}

func (p *fakePeers) List(context.Context) ([]store.RememberedPeer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]store.RememberedPeer(nil), p.peers...), nil
}

func (p *fakePeers) Forget(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.peers[:0]
	for _, rp := range p.peers {
		if rp.ID != id {
			kept = append(kept, rp)
		}
	}
	p.peers = kept
	return nil
}

func newTestServer(t *testing.T, dev *fakeController, peers PeerRegistry) (*Server, *utils.WebSocketHub) {
	t.Helper()
	hub := utils.NewWebSocketHub(nil)
	s := NewServer(Options{
		Device:       dev,
		Hub:          hub,
		Peers:        peers,
		Gatherer:     prometheus.NewRegistry(),
		RefreshRate:  1,
		RefreshBurst: 2,
	})
	return s, hub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAndConnect(t *testing.T) {
	dev := newFakeController()
	s, _ := newTestServer(t, dev, nil)

	rec := do(t, s, "GET", "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var st StatusResponse
	json.NewDecoder(rec.Body).Decode(&st)
	if st.Connected || st.State != "disconnected" || !st.AutoReconnect || st.Mode != "none" {
		t.Errorf("Unexpected initial status: %+v", st)
	}

	rec = do(t, s, "POST", "/api/v1/connect", `{"peer":"AA:BB","name":"synth"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	json.NewDecoder(rec.Body).Decode(&st)
	if !st.Connected || st.DeviceName != "synth" || st.Mode != "push" {
		t.Errorf("Unexpected status after connect: %+v", st)
	}
	if c := dev.lastCall(); c != (call{"Connect", "AA:BB/synth"}) {
		t.Errorf("Unexpected call %v", c)
	}
}

func TestConnectWithoutPeerPrompts(t *testing.T) {
	dev := newFakeController()
	s, _ := newTestServer(t, dev, nil)

	if rec := do(t, s, "POST", "/api/v1/connect", ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if c := dev.lastCall(); c.method != "ConnectPrompt" {
		t.Errorf("Expected ConnectPrompt, got %v", c)
	}
}

func TestConnectFailureMapsToBadGateway(t *testing.T) {
	dev := newFakeController()
	dev.connectErr = fmt.Errorf("%w: AA:BB: timeout", bluetooth.ErrConnectFailure)
	s, _ := newTestServer(t, dev, nil)

	rec := do(t, s, "POST", "/api/v1/connect", `{"peer":"AA:BB"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}

	dev.connectErr = bluetooth.ErrClosed
	if rec := do(t, s, "POST", "/api/v1/connect", `{"peer":"AA:BB"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestInputValidation(t *testing.T) {
	dev := newFakeController()
	s, _ := newTestServer(t, dev, nil)

	tests := []struct {
		name     string
		path     string
		body     string
		code     int
		wantCall call
	}{
		{"press lx", "/api/v1/input/button", `{"control":"lx","pressed":true}`, http.StatusNoContent, call{"SendButton", "lx true"}},
		{"release rx", "/api/v1/input/button", `{"control":"rx","pressed":false}`, http.StatusNoContent, call{"SendButton", "rx false"}},
		{"unknown button", "/api/v1/input/button", `{"control":"mx","pressed":true}`, http.StatusBadRequest, call{}},
		{"encoder as button", "/api/v1/input/button", `{"control":"enc0","pressed":true}`, http.StatusBadRequest, call{}},
		{"missing pressed", "/api/v1/input/button", `{"control":"lx"}`, http.StatusBadRequest, call{}},
		{"encoder step", "/api/v1/input/encoder", `{"control":"enc0","delta":1,"shift":true}`, http.StatusNoContent, call{"SendEncoder", "enc0 1 true"}},
		{"encoder down", "/api/v1/input/encoder", `{"control":"enc2","delta":-1}`, http.StatusNoContent, call{"SendEncoder", "enc2 -1 false"}},
		{"encoder big delta", "/api/v1/input/encoder", `{"control":"enc1","delta":3}`, http.StatusBadRequest, call{}},
		{"encoder zero delta", "/api/v1/input/encoder", `{"control":"enc1","delta":0}`, http.StatusBadRequest, call{}},
		{"button as encoder", "/api/v1/input/encoder", `{"control":"lx","delta":1}`, http.StatusBadRequest, call{}},
		{"unknown field", "/api/v1/input/encoder", `{"control":"enc1","delta":1,"speed":2}`, http.StatusBadRequest, call{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev.mu.Lock()
			dev.calls = nil
			dev.mu.Unlock()

			rec := do(t, s, "POST", tt.path, tt.body)
			if rec.Code != tt.code {
				t.Fatalf("Expected %d, got %d: %s", tt.code, rec.Code, rec.Body)
			}
			if got := dev.lastCall(); got != tt.wantCall {
				t.Errorf("Expected call %v, got %v", tt.wantCall, got)
			}
		})
	}
}

func TestAutoReconnectRequiresEnabled(t *testing.T) {
	dev := newFakeController()
	s, _ := newTestServer(t, dev, nil)

	if rec := do(t, s, "PUT", "/api/v1/auto-reconnect", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without enabled, got %d", rec.Code)
	}
	rec := do(t, s, "PUT", "/api/v1/auto-reconnect", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var st StatusResponse
	json.NewDecoder(rec.Body).Decode(&st)
	if st.AutoReconnect {
		t.Error("Expected auto_reconnect false")
	}
}

func TestScreenRefreshRequiresConnectionAndIsLimited(t *testing.T) {
	dev := newFakeController()
	s, _ := newTestServer(t, dev, nil)

	if rec := do(t, s, "POST", "/api/v1/screen/refresh", ""); rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 while disconnected, got %d", rec.Code)
	}

	dev.Connect(context.Background(), bluetooth.Peer{ID: "AA"})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, "POST", "/api/v1/screen/refresh", "").Code)
	}
	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: expected %d, got %d", i, want[i], codes[i])
		}
	}
}

func TestScreenExport(t *testing.T) {
	dev := newFakeController()
	dev.screen.Assemble([][]byte{{0x01}})
	s, _ := newTestServer(t, dev, nil)

	rec := do(t, s, "GET", "/api/v1/screen", "")
	var payload utils.ScreenPayload
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Width != 128 || payload.Height != 64 || len(payload.Data) != bluetooth.FrameBytes || payload.Data[0] != 0x01 {
		t.Errorf("Unexpected screen payload: %dx%d %d bytes", payload.Width, payload.Height, len(payload.Data))
	}

	rec = do(t, s, "GET", "/api/v1/screen.txt", "")
	lines := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n"), "\n")
	if len(lines) != 64 || len(lines[0]) != 128 || lines[0][0] != '#' || lines[1][0] != '.' {
		t.Errorf("Unexpected text rendering, %d lines", len(lines))
	}
}

func TestPeersEndpoint(t *testing.T) {
	s, _ := newTestServer(t, newFakeController(), nil)
	if rec := do(t, s, "GET", "/api/v1/peers", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a store, got %d", rec.Code)
	}

	seen := time.UnixMilli(1_700_000_000_000).UTC()
	registry := &fakePeers{peers: []store.RememberedPeer{
		{Peer: bluetooth.Peer{ID: "AA:BB", Name: "synth"}, LastSeen: seen},
		{Peer: bluetooth.Peer{ID: "CC:DD", Name: "synth-b"}, LastSeen: seen},
	}}
	s, _ = newTestServer(t, newFakeController(), registry)
	rec := do(t, s, "GET", "/api/v1/peers", "")
	var peers []map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&peers)
	if len(peers) != 2 || peers[0]["id"] != "AA:BB" || peers[0]["name"] != "synth" {
		t.Errorf("Unexpected peers: %v", peers)
	}

	if rec := do(t, s, "DELETE", "/api/v1/peers/AA:BB", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	left, _ := registry.List(context.Background())
	if len(left) != 1 || left[0].ID != "CC:DD" {
		t.Errorf("Expected only CC:DD left, got %v", left)
	}
}

func TestForgetPeerWithoutStore(t *testing.T) {
	s, _ := newTestServer(t, newFakeController(), nil)
	if rec := do(t, s, "DELETE", "/api/v1/peers/AA:BB", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a store, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	bluetooth.NewMetrics(reg, "synthlink")
	s := NewServer(Options{Device: newFakeController(), Hub: utils.NewWebSocketHub(nil), Gatherer: reg})

	rec := do(t, s, "GET", "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "synthlink_connected") {
		t.Errorf("Expected device metrics exposed, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, newFakeController(), nil)
	rec := do(t, s, "OPTIONS", "/api/v1/connect", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected CORS preflight to succeed, got %d", rec.Code)
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	s, hub := newTestServer(t, newFakeController(), nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(utils.WebSocketEvent{Type: utils.EVENT_CONNECTION, Payload: utils.ConnectionPayload{Connected: true}})

	var msg utils.WebSocketEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != utils.EVENT_CONNECTION {
		t.Errorf("Expected %s, got %s", utils.EVENT_CONNECTION, msg.Type)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed client was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
