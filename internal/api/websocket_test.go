package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimplyPrint/lxi-agent/internal/certs"
	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/driver/sim"
	"github.com/SimplyPrint/lxi-agent/internal/logging"
	"github.com/SimplyPrint/lxi-agent/internal/lxi"
)

func newTestServer(chassis *sim.Chassis) *Server {
	return NewServer(chassis.Drivers(), Options{
		DriverName: "simulated",
		Endpoint:   lxi.Endpoint{Address: "10.0.0.5", Port: 1024, Timeout: lxi.DefaultTimeout},
	})
}

func newTestClient(s *Server) *WSClient {
	return &WSClient{
		server: s,
		hub:    s.hub,
		send:   make(chan []byte, sendBufferSize),
	}
}

func receive(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg WSMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
		return WSMessage{}
	}
}

func TestNewWSHub(t *testing.T) {
	hub := NewWSHub()

	if hub == nil {
		t.Fatal("NewWSHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("clients map should be initialized")
	}
	if hub.Count() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.Count())
	}
}

func TestWSHub_RegisterUnregister(t *testing.T) {
	hub := NewWSHub()
	client := &WSClient{send: make(chan []byte, 1), hub: hub}

	hub.register(client)
	if hub.Count() != 1 {
		t.Errorf("expected 1 client, got %d", hub.Count())
	}

	hub.unregister(client)
	if hub.Count() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.Count())
	}

	// Send channel is closed on unregister, and a second unregister is a no-op.
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed")
	}
	hub.unregister(client)
}

func TestWSClient_sendResponse(t *testing.T) {
	client := &WSClient{send: make(chan []byte, 256)}

	client.sendResponse("test-id", "test-type", map[string]string{"key": "value"})

	msg := receive(t, client)
	assert.Equal(t, "test-type", msg.Type)
	assert.Equal(t, "test-id", msg.ID)
	assert.JSONEq(t, `{"key":"value"}`, string(msg.Payload))
}

func TestWSClient_sendError(t *testing.T) {
	client := &WSClient{send: make(chan []byte, 256)}

	client.sendError("err-id", "test error message")

	msg := receive(t, client)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "err-id", msg.ID)
	assert.Equal(t, "test error message", msg.Error)
}

func TestWSClient_sendDropsWhenBufferFull(t *testing.T) {
	client := &WSClient{send: make(chan []byte, 1)}

	client.sendError("1", "first")
	client.sendError("2", "second")

	assert.Len(t, client.send, 1)
	assert.Equal(t, "first", receive(t, client).Error)
}

func TestWSClient_handleMessage(t *testing.T) {
	tests := []struct {
		name        string
		msgType     string
		payload     string
		expectError bool
	}{
		{"version", "version", "", false},
		{"health", "health", "", false},
		{"logs", "logs", "", false},
		{"unknown", "unknown_type", "", true},
		{"identify_invalid_payload", "identify_card", "invalid", true},
		{"identify_missing_payload", "identify_card", "", true},
		{"identify_missing_slot", "identify_card", `{"bus":3}`, true},
		{"logs_invalid_level", "logs", `{"level":"loud"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(newTestServer(sim.NewDemo()))

			var payload json.RawMessage
			if tt.payload != "" {
				payload = json.RawMessage(tt.payload)
			}

			client.handleMessage(WSMessage{Type: tt.msgType, ID: "test-id", Payload: payload})

			resp := receive(t, client)
			assert.Equal(t, "test-id", resp.ID)
			if tt.expectError {
				assert.Equal(t, "error", resp.Type)
			} else {
				assert.Equal(t, tt.msgType, resp.Type)
			}
		})
	}
}

func TestWSClient_handleIdentifyCard(t *testing.T) {
	chassis := sim.NewDemo()
	client := newTestClient(newTestServer(chassis))

	client.handleIdentifyCard("id-1", json.RawMessage(`{"bus":3,"slot":5}`))

	msg := receive(t, client)
	require.Equal(t, "card", msg.Type, msg.Error)

	var resp IdentifyResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &resp))
	assert.Equal(t, "40-260-001,0123456,2.01", resp.CardID)
	assert.NotZero(t, resp.SessionID)
	assert.Empty(t, resp.CleanupWarnings)
	assert.Equal(t, "done", resp.States[len(resp.States)-1])

	assert.Zero(t, chassis.OpenSessions())
}

func TestWSClient_handleIdentifyCard_ConnectFailure(t *testing.T) {
	chassis := sim.NewDemo().WithConnectError(5).WithSessionMessage(5, "X")
	client := newTestClient(newTestServer(chassis))

	client.handleIdentifyCard("id-2", json.RawMessage(`{"bus":3,"slot":5}`))

	msg := receive(t, client)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "PICMLX5: X", msg.Error)
}

func TestWSClient_handleIdentifyCard_CleanupWarning(t *testing.T) {
	chassis := sim.NewDemo().WithCloseError(7)
	client := newTestClient(newTestServer(chassis))

	client.handleIdentifyCard("id-3", json.RawMessage(`{"bus":3,"slot":5}`))

	msg := receive(t, client)
	require.Equal(t, "card", msg.Type)

	var resp IdentifyResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &resp))
	assert.Equal(t, []string{"PIPLX7: Unable to close card"}, resp.CleanupWarnings)
}

func TestWSClient_handleIdentifyCard_NoAddress(t *testing.T) {
	s := NewServer(sim.NewDemo().Drivers(), Options{})
	client := newTestClient(s)

	client.handleIdentifyCard("id-4", json.RawMessage(`{"bus":3,"slot":5}`))

	msg := receive(t, client)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "address is required", msg.Error)
}

type logEntry struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func runLogs(t *testing.T, client *WSClient, runID string) []logEntry {
	t.Helper()
	payload, _ := json.Marshal(logsRequest{Run: runID})
	client.handleLogs("logs-"+runID, payload)
	msg := receive(t, client)
	require.Equal(t, "logs", msg.Type)

	var entries []logEntry
	require.NoError(t, json.Unmarshal(msg.Payload, &entries))
	for _, e := range entries {
		assert.Equal(t, runID, e.Data["run"], e.Message)
	}
	return entries
}

func messages(entries []logEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func TestWSClient_handleLogs_ByRun(t *testing.T) {
	chassis := sim.NewDemo().
		WithIdentifyError(sim.CodeCardInvalidNum).
		WithCloseError(sim.CodeCardClose)
	client := newTestClient(newTestServer(chassis))

	client.handleIdentifyCard("id-5", json.RawMessage(`{"bus":9,"slot":9}`))
	msg := receive(t, client)
	require.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "PIPLX12:")

	var failed RunErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &failed))
	require.NotEmpty(t, failed.RunID)
	assert.Equal(t, "error", failed.States[len(failed.States)-1])

	client.handleIdentifyCard("id-6", json.RawMessage(`{"bus":3,"slot":5}`))
	msg = receive(t, client)
	require.Equal(t, "card", msg.Type)
	var card IdentifyResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &card))
	require.NotEqual(t, failed.RunID, card.RunID)

	got := messages(runLogs(t, client, card.RunID))
	for _, want := range []string{
		"Run started",
		"Session established",
		"Card opened",
		"Card identify failed",
		"Cleanup: close card failed",
		"Session closed",
	} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, got, "Open card failed")

	got = messages(runLogs(t, client, failed.RunID))
	assert.Contains(t, got, "Open card failed")
	assert.Contains(t, got, "Session closed")
	assert.NotContains(t, got, "Card opened")
}

type panickingCards struct {
	driver.CardDriver
	panicked bool
}

func (p *panickingCards) CardID(sid int32, cardNum uint32, buf []byte) uint32 {
	if !p.panicked {
		p.panicked = true
		panic("card id buffer")
	}
	return p.CardDriver.CardID(sid, cardNum, buf)
}

func TestWSClient_handleMessage_RecoversPanic(t *testing.T) {
	chassis := sim.NewDemo()
	d := chassis.Drivers()
	d.Card = &panickingCards{CardDriver: d.Card}
	client := newTestClient(NewServer(d, Options{
		Endpoint: lxi.Endpoint{Address: "10.0.0.5", Port: 1024, Timeout: lxi.DefaultTimeout},
	}))

	client.handleMessage(WSMessage{Type: "identify_card", ID: "p-1", Payload: json.RawMessage(`{"bus":3,"slot":5}`)})
	msg := receive(t, client)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "p-1", msg.ID)
	assert.Contains(t, msg.Error, "internal error: card id buffer")

	assert.Zero(t, chassis.OpenCards())
	assert.Zero(t, chassis.OpenSessions())

	entries := logging.Get().Entries(logging.Query{Category: logging.CatWebSocket, MinLevel: logging.LevelError, Limit: 1})
	require.Len(t, entries, 1)
	assert.Equal(t, "Message handler panic", entries[0].Message)

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.handleMessage(WSMessage{Type: "identify_card", ID: "p-2", Payload: json.RawMessage(`{"bus":3,"slot":5}`)})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("identify blocked after a recovered panic")
	}
	msg = receive(t, client)
	require.Equal(t, "card", msg.Type, msg.Error)
}

func TestWSClient_handleVersion(t *testing.T) {
	origVersion := Version
	defer func() { Version = origVersion }()
	Version = "1.0.0-test"

	client := newTestClient(newTestServer(sim.NewDemo()))
	client.handleVersion("ver-id")

	msg := receive(t, client)
	require.Equal(t, "version", msg.Type)

	var resp VersionResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &resp))
	assert.Equal(t, "1.0.0-test", resp.Version)
	assert.Equal(t, "1.12.3", resp.Driver.SessionVersion)
	assert.Equal(t, "1.12.1", resp.Driver.CardVersion)
	assert.NotZero(t, resp.Driver.SessionRaw)
}

func TestWSClient_handleHealth(t *testing.T) {
	client := newTestClient(newTestServer(sim.NewDemo()))
	client.handleHealth("health-id")

	msg := receive(t, client)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "simulated", payload["driver"])
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin   string
		host     string
		expected bool
	}{
		{"", "127.0.0.1:32146", true},
		{"http://localhost:3000", "127.0.0.1:32146", true},
		{"http://127.0.0.1:8080", "127.0.0.1:32146", true},
		{"http://[::1]:8080", "127.0.0.1:32146", true},
		{"http://agent.lab:32146", "agent.lab:32146", true},
		{"https://evil.example.com", "127.0.0.1:32146", false},
		{"://bad", "127.0.0.1:32146", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.expected, checkOrigin(r))
		})
	}
}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestWebSocket_Integration(t *testing.T) {
	ws := dial(t, newTestServer(sim.NewDemo()))

	require.NoError(t, ws.WriteJSON(WSMessage{
		Type:    "identify_card",
		ID:      "test-123",
		Payload: json.RawMessage(`{"bus":3,"slot":6}`),
	}))

	var resp WSMessage
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "card", resp.Type)
	assert.Equal(t, "test-123", resp.ID)

	var card IdentifyResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &card))
	assert.Equal(t, "40-613-022,0098765,1.04", card.CardID)
	assert.NotEmpty(t, card.RunID)
}

func TestWebSocket_UnknownType(t *testing.T) {
	ws := dial(t, newTestServer(sim.NewDemo()))

	ws.WriteJSON(WSMessage{Type: "unknown_type_xyz", ID: "u1"})

	var resp WSMessage
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "unknown message type")
}

func TestWebSocket_ConcurrentClientsSerializeRuns(t *testing.T) {
	chassis := sim.NewDemo()
	s := newTestServer(chassis)
	server := httptest.NewServer(s.Handler())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	const numClients = 5
	var wg sync.WaitGroup
	errs := make(chan string, numClients)

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer ws.Close()

			ws.WriteJSON(WSMessage{Type: "identify_card", ID: "c", Payload: json.RawMessage(`{"bus":3,"slot":5}`)})
			var resp WSMessage
			if err := ws.ReadJSON(&resp); err != nil {
				errs <- err.Error()
				return
			}
			if resp.Type != "card" {
				errs <- "unexpected response: " + resp.Type + " " + resp.Error
			}
		}()
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}

	// Runs never overlap, so every Connect is followed by its own Disconnect
	// before the next Connect.
	open := 0
	for _, c := range chassis.Calls() {
		switch c.Name {
		case "Connect":
			open++
			assert.Equal(t, 1, open, "sessions overlapped")
		case "Disconnect":
			open--
		}
	}
	assert.Equal(t, numClients, chassis.Count("Connect"))
}

func TestHealthEndpoint(t *testing.T) {
	server := httptest.NewServer(newTestServer(sim.NewDemo()).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestHandler_RejectsWrongMethod(t *testing.T) {
	server := httptest.NewServer(newTestServer(sim.NewDemo()).Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/health", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(server.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_ShutdownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestServer(sim.NewDemo()).Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_SecureWebSocket(t *testing.T) {
	tlsConfig, err := certs.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go newTestServer(sim.NewDemo()).Serve(ctx, certs.NewListener(ln, tlsConfig))

	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	ws, _, err := dialer.Dial("wss://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "health", ID: "h1"}))
	var resp WSMessage
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "health", resp.Type)
}
