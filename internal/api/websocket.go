package api

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/lxi-agent/internal/logging"
	"github.com/SimplyPrint/lxi-agent/internal/lxi"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts clients without an Origin header (CLI tools), pages
// served from the same host, and pages on localhost.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSMessage is the envelope for every request and response.
type WSMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WSHub tracks connected clients.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]bool
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]bool)}
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Count returns the number of connected clients.
func (h *WSHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *WSHub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// WSClient is one WebSocket connection.
type WSClient struct {
	server *Server
	hub    *WSHub
	conn   *websocket.Conn
	send   chan []byte
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":  err.Error(),
			"remote": r.RemoteAddr,
		})
		return
	}

	client := &WSClient{
		server: s,
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	s.hub.register(client)
	logging.Debug(logging.CatWebSocket, "Client connected", map[string]any{"remote": r.RemoteAddr})

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(logging.CatWebSocket, "Unexpected close", map[string]any{"error": err.Error()})
			}
			return
		}
		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	// Handlers run on the read pump, outside the HTTP recovery middleware.
	defer func() {
		if r := recover(); r != nil {
			logging.Error(logging.CatWebSocket, "Message handler panic", map[string]any{
				"type":  msg.Type,
				"id":    msg.ID,
				"panic": fmt.Sprint(r),
			})
			c.sendError(msg.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch msg.Type {
	case "identify_card":
		c.handleIdentifyCard(msg.ID, msg.Payload)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	case "logs":
		c.handleLogs(msg.ID, msg.Payload)
	default:
		c.sendError(msg.ID, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// IdentifyRequest is the payload of identify_card. Address, port and
// timeout fall back to the server defaults.
type IdentifyRequest struct {
	Address   string  `json:"address,omitempty"`
	Port      uint32  `json:"port,omitempty"`
	TimeoutMs uint32  `json:"timeoutMs,omitempty"`
	Bus       *uint32 `json:"bus"`
	Slot      *uint32 `json:"slot"`
}

// IdentifyResponse is the payload of a card response.
type IdentifyResponse struct {
	RunID           string   `json:"runId"`
	SessionID       int32    `json:"sessionId"`
	CardNumber      uint32   `json:"cardNumber"`
	CardID          string   `json:"cardId,omitempty"`
	IdentifyError   string   `json:"identifyError,omitempty"`
	CleanupWarnings []string `json:"cleanupWarnings,omitempty"`
	States          []string `json:"states"`
}

func (c *WSClient) handleIdentifyCard(id string, payload json.RawMessage) {
	var req IdentifyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(id, "invalid payload: "+err.Error())
		return
	}
	if req.Bus == nil || req.Slot == nil {
		c.sendError(id, "bus and slot are required")
		return
	}

	ep := c.server.opts.Endpoint
	if req.Address != "" {
		ep.Address = req.Address
	}
	if req.Port != 0 {
		ep.Port = req.Port
	}
	if req.TimeoutMs != 0 {
		ep.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if ep.Address == "" {
		c.sendError(id, "address is required")
		return
	}

	res, err := c.server.identify(lxi.Request{
		Board:    c.server.opts.Board,
		Endpoint: ep,
		Location: lxi.CardLocation{Bus: *req.Bus, Slot: *req.Slot},
	})
	if err != nil {
		c.sendRunError(id, res, err)
		return
	}

	resp := IdentifyResponse{
		RunID:      res.RunID,
		SessionID:  res.SessionID,
		CardNumber: res.CardNumber,
		CardID:     res.CardID,
	}
	if res.IdentifyErr != nil {
		resp.IdentifyError = res.IdentifyErr.Error()
	}
	for _, cerr := range res.Cleanup {
		resp.CleanupWarnings = append(resp.CleanupWarnings, cerr.Error())
	}
	for _, st := range res.States {
		resp.States = append(resp.States, st.String())
	}

	c.sendResponse(id, "card", resp)
}

// RunErrorPayload accompanies the error reply of a failed identify_card, so
// the client can fetch that run's log entries.
type RunErrorPayload struct {
	RunID  string   `json:"runId"`
	States []string `json:"states,omitempty"`
}

func (c *WSClient) sendRunError(id string, res *lxi.Result, err error) {
	if res == nil {
		c.sendError(id, err.Error())
		return
	}
	p := RunErrorPayload{RunID: res.RunID}
	for _, st := range res.States {
		p.States = append(p.States, st.String())
	}
	data, merr := json.Marshal(p)
	if merr != nil {
		c.sendError(id, err.Error())
		return
	}
	c.enqueue(WSMessage{Type: "error", ID: id, Payload: data, Error: err.Error()})
}

// VersionResponse is the payload of a version response.
type VersionResponse struct {
	Version   string        `json:"version"`
	BuildTime string        `json:"buildTime"`
	GitCommit string        `json:"gitCommit"`
	Driver    DriverVersion `json:"driver"`
}

// DriverVersion reports both ClientBridge subsystems.
type DriverVersion struct {
	SessionRaw     uint32 `json:"sessionRaw"`
	SessionVersion string `json:"sessionVersion"`
	CardRaw        uint32 `json:"cardRaw"`
	CardVersion    string `json:"cardVersion"`
}

func (c *WSClient) handleVersion(id string) {
	report := lxi.QueryVersions(c.server.drivers)
	c.sendResponse(id, "version", VersionResponse{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		Driver: DriverVersion{
			SessionRaw:     report.Session.Raw,
			SessionVersion: report.Session.Version.String(),
			CardRaw:        report.Card.Raw,
			CardVersion:    report.Card.Version.String(),
		},
	})
}

func (c *WSClient) handleHealth(id string) {
	c.sendResponse(id, "health", c.server.health())
}

type logsRequest struct {
	Limit    int    `json:"limit"`
	Level    string `json:"level"`
	Category string `json:"category"`
	Run      string `json:"run"`
}

func (c *WSClient) handleLogs(id string, payload json.RawMessage) {
	var req logsRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.sendError(id, "invalid payload: "+err.Error())
			return
		}
	}

	q := logging.Query{
		Limit:    req.Limit,
		Category: logging.Category(req.Category),
		Run:      req.Run,
	}
	if req.Level != "" {
		level, ok := logging.ParseLevel(req.Level)
		if !ok {
			c.sendError(id, "invalid level: "+req.Level)
			return
		}
		q.MinLevel = level
	}

	c.sendResponse(id, "logs", logging.Get().Entries(q))
}

func (c *WSClient) sendResponse(id, msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.sendError(id, "failed to encode response: "+err.Error())
		return
	}
	c.enqueue(WSMessage{Type: msgType, ID: id, Payload: data})
}

func (c *WSClient) sendError(id, message string) {
	c.enqueue(WSMessage{Type: "error", ID: id, Error: message})
}

func (c *WSClient) enqueue(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(logging.CatWebSocket, "Failed to marshal message", map[string]any{"error": err.Error()})
		return
	}

	select {
	case c.send <- data:
	default:
		logging.Warn(logging.CatWebSocket, "Send buffer full, dropping message", map[string]any{
			"type": msg.Type,
			"id":   msg.ID,
		})
	}
}
