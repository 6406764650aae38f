package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-mesh/internal/bridges/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

const testSecret = "test-secret-at-least-sixteen-chars"

// mockSubscriber captures the relay handler.
type mockSubscriber struct {
	mu       sync.Mutex
	topic    string
	handler  mqtt.MessageHandler
	subErr   error
	subCalls int
}

func (m *mockSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subCalls++
	if m.subErr != nil {
		return m.subErr
	}
	m.topic = topic
	m.handler = handler
	return nil
}

func (m *mockSubscriber) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		t.Fatal("relay handler not registered")
	}
	if err := h(topic, []byte(payload)); err != nil {
		t.Fatalf("handler(%q) error: %v", topic, err)
	}
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "text"}, "test")
}

func testAPIConfig(secret string) config.APIConfig {
	return config.APIConfig{
		Host:     "127.0.0.1",
		Port:     0,
		Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		Auth:     config.APIAuthConfig{JWTSecret: secret, TokenTTL: 5},
		WebSocket: config.WebSocketConfig{
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
	}
}

// testServer creates a Server over an in-memory registry holding two nodes.
func testServer(t *testing.T, secret string) (*Server, *node.Registry) {
	t.Helper()

	registry := node.NewRegistry(node.RegistryOptions{Capacity: 4})
	ctx := context.Background()
	if _, err := registry.AddOrUpdate(ctx, uuid.New(), 0x0010, 1, false); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	if _, err := registry.AddOrUpdate(ctx, uuid.New(), 0x0012, 2, true); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}

	srv, err := New(Deps{
		Config:   testAPIConfig(secret),
		Logger:   testLogger(),
		Registry: registry,
		Topics:   mqtt.Topics{Prefix: "mesh"},
		Checks: map[string]HealthCheckFunc{
			"meshd": func(context.Context) error { return nil },
		},
		Stats:   func() any { return map[string]int{"events_handled": 7} },
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, registry
}

// startServer starts srv on an ephemeral port and returns its address.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv.Addr().String()
}

func serve(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{Registry: node.NewRegistry(node.RegistryOptions{})}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without registry should fail")
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, "")
	w := serve(srv.buildRouter(), http.MethodGet, "/api/v1/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("status/version = %q/%q, want ok/test", resp.Status, resp.Version)
	}
	if resp.Components["meshd"] != "ok" {
		t.Errorf("components = %v", resp.Components)
	}
	if resp.Nodes.Known != 2 || resp.Nodes.Ready != 0 {
		t.Errorf("nodes = %+v, want 2 known 0 ready", resp.Nodes)
	}
}

func TestHealth_Degraded(t *testing.T) {
	srv, _ := testServer(t, "")
	srv.checks["mqtt"] = func(context.Context) error { return errors.New("broker unreachable") }

	w := serve(srv.buildRouter(), http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	var resp healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Components["mqtt"] != "broker unreachable" {
		t.Errorf("mqtt component = %q", resp.Components["mqtt"])
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	w := serve(srv.buildRouter(), http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health with auth enabled = %d, want %d", w.Code, http.StatusOK)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, "")
	router := srv.buildRouter()

	if got := serve(router, http.MethodGet, "/api/v1/health", nil).Header().Get("X-Request-ID"); got == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	w := serve(router, http.MethodGet, "/api/v1/health", map[string]string{"X-Request-ID": "client-123"})
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"empty list allows all", nil, "http://localhost:3000", "http://localhost:3000"},
		{"listed origin", []string{"http://dashboard.local"}, "http://dashboard.local", "http://dashboard.local"},
		{"unlisted origin", []string{"http://dashboard.local"}, "http://evil.example", ""},
		{"wildcard", []string{"*"}, "http://any.example", "http://any.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, "")
			srv.cfg.CORS.AllowedOrigins = tt.allowed

			w := serve(srv.buildRouter(), http.MethodOptions, "/api/v1/nodes", map[string]string{"Origin": tt.origin})
			if w.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("ACAO = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := testServer(t, "")
	w := serve(srv.buildRouter(), http.MethodGet, "/api/v1/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Node Endpoint Tests ───────────────────────────────────────────

func TestListNodes(t *testing.T) {
	srv, _ := testServer(t, "")
	w := serve(srv.buildRouter(), http.MethodGet, "/api/v1/nodes", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Nodes []mesh.NodeStatusMessage `json:"nodes"`
		Count int                      `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Count != 2 || len(resp.Nodes) != 2 {
		t.Fatalf("count = %d, len = %d, want 2", resp.Count, len(resp.Nodes))
	}
	if resp.Nodes[0].Address != "0x0010" || resp.Nodes[1].Address != "0x0012" {
		t.Errorf("addresses = %s, %s, want insertion order", resp.Nodes[0].Address, resp.Nodes[1].Address)
	}
	if resp.Nodes[0].Phase != "composition_requested" {
		t.Errorf("phase = %q, want composition_requested", resp.Nodes[0].Phase)
	}
}

func TestGetNode(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantAddr   string
	}{
		{"hex address", "/api/v1/nodes/0x0012", http.StatusOK, "0x0012"},
		{"decimal address", "/api/v1/nodes/16", http.StatusOK, "0x0010"},
		{"unknown address", "/api/v1/nodes/0x0099", http.StatusNotFound, ""},
		{"not a number", "/api/v1/nodes/abc", http.StatusBadRequest, ""},
		{"too large", "/api/v1/nodes/0x10000", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, "")
			w := serve(srv.buildRouter(), http.MethodGet, tt.path, nil)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantAddr == "" {
				var apiErr Error
				if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
					t.Fatalf("unmarshal error body: %v", err)
				}
				if apiErr.Status != tt.wantStatus {
					t.Errorf("error status = %d, want %d", apiErr.Status, tt.wantStatus)
				}
				return
			}

			var msg mesh.NodeStatusMessage
			if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if msg.Address != tt.wantAddr {
				t.Errorf("address = %s, want %s", msg.Address, tt.wantAddr)
			}
		})
	}
}

func TestStats(t *testing.T) {
	srv, _ := testServer(t, "")
	w := serve(srv.buildRouter(), http.MethodGet, "/api/v1/stats", nil)

	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["events_handled"] != 7 {
		t.Errorf("stats = %v", resp)
	}

	srv.stats = nil
	w = serve(srv.buildRouter(), http.MethodGet, "/api/v1/stats", nil)
	if strings.TrimSpace(w.Body.String()) != "{}" {
		t.Errorf("stats without provider = %s, want {}", w.Body.String())
	}
}

// ─── Auth Tests ────────────────────────────────────────────────────

func TestIssueAndValidateToken(t *testing.T) {
	token, err := IssueToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	subject, err := ValidateToken(testSecret, token)
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if subject != "ops" {
		t.Errorf("subject = %q, want ops", subject)
	}

	if _, err := ValidateToken("another-secret-of-enough-length", token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret error = %v, want ErrInvalidToken", err)
	}

	expired, err := IssueToken(testSecret, "ops", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken(expired) error: %v", err)
	}
	if _, err := ValidateToken(testSecret, expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token error = %v, want ErrInvalidToken", err)
	}

	if _, err := IssueToken("", "ops", time.Minute); err == nil {
		t.Error("IssueToken() without secret should fail")
	}
}

func TestAuthMiddleware(t *testing.T) {
	token, err := IssueToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, testSecret)
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			w := serve(srv.buildRouter(), http.MethodGet, "/api/v1/nodes", headers)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestTicketStore(t *testing.T) {
	store := newTicketStore()

	ticket := store.issue()
	if !store.consume(ticket) {
		t.Error("fresh ticket should be valid")
	}
	if store.consume(ticket) {
		t.Error("ticket should be single-use")
	}

	stale := store.issue()
	if n := store.purge(time.Now().Add(2 * ticketTTL)); n != 1 {
		t.Errorf("purge() = %d, want 1", n)
	}
	if store.consume(stale) {
		t.Error("purged ticket should not be valid")
	}
}

// ─── WebSocket Hub Tests ───────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           hub,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	subscribed := newTestClient(hub, ChannelNodeStatus)
	other := newTestClient(hub, ChannelIMU)
	all := newTestClient(hub, ChannelAll)
	hub.Register(subscribed)
	hub.Register(other)
	hub.Register(all)

	hub.Broadcast(ChannelNodeStatus, map[string]any{"address": "0x0010"})

	for name, c := range map[string]*WSClient{"subscribed": subscribed, "wildcard": all} {
		select {
		case msg := <-c.send:
			var wsMsg WSMessage
			if err := json.Unmarshal(msg, &wsMsg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if wsMsg.Type != WSTypeEvent || wsMsg.EventType != ChannelNodeStatus {
				t.Errorf("%s got %s/%s", name, wsMsg.Type, wsMsg.EventType)
			}
		case <-time.After(time.Second):
			t.Errorf("%s client timed out waiting for broadcast", name)
		}
	}

	select {
	case <-other.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())

	client := newTestClient(hub)
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", hub.ClientCount())
	}
}

func TestNewHub_Defaults(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	if hub.maxMessageSize != defaultMaxMessageSize || hub.pingInterval != defaultPingInterval || hub.pongTimeout != defaultPongTimeout {
		t.Errorf("defaults = %d/%v/%v", hub.maxMessageSize, hub.pingInterval, hub.pongTimeout)
	}
}

// ─── Relay Tests ───────────────────────────────────────────────────

func TestRelayChannel(t *testing.T) {
	tests := []struct {
		prefix string
		topic  string
		want   string
		ok     bool
	}{
		{"mesh", "mesh/node/0x0010/status", ChannelNodeStatus, true},
		{"mesh", "mesh/gateway/health", ChannelGatewayHealth, true},
		{"mesh", "mesh/imu/0x0010", ChannelIMU, true},
		{"mesh", "mesh/heartrate/0x0012", ChannelHeartRate, true},
		{"mesh", "mesh/sensor/0x0010", ChannelSensor, true},
		{"site/a", "site/a/imu/0x0001", ChannelIMU, true},
		{"mesh", "mesh/gateway/status", "", false},
		{"mesh", "mesh/control/reset", "", false},
		{"mesh", "other/imu/0x0010", "", false},
		{"", "mesh/imu/0x0010", ChannelIMU, true},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			srv := &Server{topics: mqtt.Topics{Prefix: tt.prefix}}
			got, ok := srv.relayChannel(tt.topic)
			if got != tt.want || ok != tt.ok {
				t.Errorf("relayChannel(%q) = %q, %v, want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRelay_BroadcastsMQTT(t *testing.T) {
	srv, _ := testServer(t, "")
	sub := &mockSubscriber{}
	srv.mqtt = sub
	startServer(t, srv)

	if sub.topic != "mesh/#" {
		t.Fatalf("relay topic = %q, want mesh/#", sub.topic)
	}

	client := newTestClient(srv.hub, ChannelHeartRate)
	srv.hub.Register(client)

	sub.deliver(t, "mesh/heartrate/0x0012", `{"node":"0x0012","heartrate":72,"timestamp":1500}`)
	sub.deliver(t, "mesh/heartrate/0x0012", `not json`)

	select {
	case msg := <-client.send:
		var wsMsg struct {
			EventType string     `json:"event_type"`
			Payload   relayEvent `json:"payload"`
		}
		if err := json.Unmarshal(msg, &wsMsg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wsMsg.EventType != ChannelHeartRate || wsMsg.Payload.Topic != "mesh/heartrate/0x0012" {
			t.Errorf("event = %+v", wsMsg)
		}
		var data mesh.HeartRateMessage
		if err := json.Unmarshal(wsMsg.Payload.Data, &data); err != nil || data.HeartRate != 72 {
			t.Errorf("data = %s (%v)", wsMsg.Payload.Data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed event")
	}

	select {
	case <-client.send:
		t.Error("non-JSON payload should not be relayed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_SubscribeFailureIsNotFatal(t *testing.T) {
	srv, _ := testServer(t, "")
	srv.mqtt = &mockSubscriber{subErr: errors.New("not connected")}
	startServer(t, srv)

	if srv.HealthCheck(context.Background()) != nil {
		t.Error("server should run without the relay")
	}
}

// ─── Live Server Tests ─────────────────────────────────────────────

func TestServer_StartClose(t *testing.T) {
	srv, _ := testServer(t, "")
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	addr := startServer(t, srv)
	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestWebSocket_OpenSubscribePing(t *testing.T) {
	srv, _ := testServer(t, "")
	addr := startServer(t, srv)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "sub-1", Payload: WSSubscribePayload{Channels: []string{ChannelNodeStatus}}}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Errorf("response = %+v", resp)
	}

	srv.hub.Broadcast(ChannelNodeStatus, map[string]string{"address": "0x0010"})
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if resp.Type != WSTypeEvent || resp.EventType != ChannelNodeStatus {
		t.Errorf("event = %+v", resp)
	}

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != WSTypePong || resp.ID != "p" {
		t.Errorf("pong = %+v", resp)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if resp.Type != WSTypeError {
		t.Errorf("invalid message response type = %s, want %s", resp.Type, WSTypeError)
	}
}

func TestWebSocket_TicketRequired(t *testing.T) {
	srv, _ := testServer(t, testSecret)
	addr := startServer(t, srv)

	for _, path := range []string{"/api/v1/ws", "/api/v1/ws?ticket=invalid"} {
		_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+path, nil)
		if err == nil {
			t.Fatalf("dial %s should fail", path)
		}
		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s status = %d, want 401", path, resp.StatusCode)
		}
	}

	token, err := IssueToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/api/v1/auth/ws-ticket", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	ticketResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ws-ticket request failed: %v", err)
	}
	defer ticketResp.Body.Close()

	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(ticketResp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?ticket="+ticket.Ticket, nil)
	if err != nil {
		t.Fatalf("dial with ticket failed: %v", err)
	}
	ws.Close()

	if _, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?ticket="+ticket.Ticket, nil); err == nil {
		t.Error("reused ticket should be rejected")
	}
}
