package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/auth"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/monitor"
	"liyu1981.xyz/vitals-alert-service/pkg/registry"
)

const maxMessageSize = 64 * 1024

type HubConfig struct {
	AuthTimeout    time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	ListCap        int
	AllowedOrigins []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		AuthTimeout: 10 * time.Second,
		PongWait:    60 * time.Second,
		PingPeriod:  54 * time.Second,
		WriteWait:   10 * time.Second,
		SendBuffer:  64,
		ListCap:     10,
	}
}

func (c HubConfig) normalized() HubConfig {
	d := DefaultHubConfig()
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.ListCap <= 0 {
		c.ListCap = d.ListCap
	}
	return c
}

// ConnectionState is the externally visible state of one server connection.
type ConnectionState struct {
	ClientID    string          `json:"client_id"`
	Identity    models.Identity `json:"identity"`
	Role        models.Role     `json:"role"`
	IsConnected bool            `json:"is_connected"`
	LastSeen    time.Time       `json:"last_seen"`
	State       string          `json:"state"`
}

type presence struct {
	name  string
	conns int
}

// Hub accepts realtime connections, authenticates them and fans aggregator
// events out to the clients the registry resolves.
type Hub struct {
	cfg      HubConfig
	monitor  *monitor.Monitor
	registry *registry.Registry
	verifier auth.Verifier
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*conn
	pending map[*conn]struct{}
	doctors map[string]*presence
	closed  bool

	wg sync.WaitGroup
}

func NewHub(m *monitor.Monitor, reg *registry.Registry, verifier auth.Verifier, cfg HubConfig) *Hub {
	cfg = cfg.normalized()

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		cfg:      cfg,
		monitor:  m,
		registry: reg,
		verifier: verifier,
		conns:    make(map[string]*conn),
		pending:  make(map[*conn]struct{}),
		doctors:  make(map[string]*presence),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients (CLI, devices)
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

func (h *Hub) logger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameRealtimeHub,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryConnection),
	)
}

func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "realtime hub is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(h, ws)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.pending[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	go c.serve()
}

// NotifyAlert enqueues evt for every interested client. Enqueueing never
// blocks; a client whose buffer is full is dropped.
func (h *Hub) NotifyAlert(evt models.AlertEvent) {
	alert := evt.Alert
	data, err := json.Marshal(Envelope{Type: alertMessageType(evt.Type), Alert: &alert})
	if err != nil {
		h.logger().Error("Failed to encode alert event", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}
	h.deliver(h.registry.Resolve(alert), data)
}

// NotifyStatus goes to the patient's subscribers, and to every client that
// would receive the patient's critical alerts when the patient becomes
// critical.
func (h *Hub) NotifyStatus(change models.PatientStatusChange) {
	data, err := json.Marshal(Envelope{Type: MsgPatientStatusChange, Change: &change})
	if err != nil {
		h.logger().Error("Failed to encode status change", zap.String("patient_id", change.PatientID), zap.Error(err))
		return
	}
	h.deliver(h.registry.Resolve(models.Alert{PatientID: change.PatientID, Level: change.To}), data)
}

func (h *Hub) deliver(clientIDs []string, data []byte) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(clientIDs))
	for _, id := range clientIDs {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

func (h *Hub) broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger().Error("Failed to encode broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// attach makes an authenticated connection visible to dispatch.
func (h *Hub) attach(c *conn) bool {
	if err := h.registry.Register(c.id, c.identity.Role); err != nil {
		h.logger().Error("Failed to register client", zap.String("client_id", c.id), zap.Error(err))
		return false
	}

	identity := c.identity

	h.mu.Lock()
	delete(h.pending, c)
	if h.closed {
		h.mu.Unlock()
		h.registry.OnDisconnect(c.id)
		return false
	}
	// auth_ok is queued before any dispatch can see the connection
	c.enqueue(mustMarshal(Envelope{Type: MsgAuthOK, ClientID: c.id, Identity: &identity}))
	h.conns[c.id] = c

	var online []Envelope
	for doctorID, p := range h.doctors {
		if doctorID != identity.UserID {
			online = append(online, doctorStatus(doctorID, p.name, models.PresenceOnline))
		}
	}
	cameOnline := false
	if identity.Role == models.RoleDoctor {
		p, ok := h.doctors[identity.UserID]
		if !ok {
			p = &presence{name: identity.Name}
			h.doctors[identity.UserID] = p
			cameOnline = true
		}
		p.conns++
	}
	h.mu.Unlock()

	slices.SortFunc(online, func(a, b Envelope) int { return strings.Compare(a.DoctorID, b.DoctorID) })
	for _, env := range online {
		c.enqueue(mustMarshal(env))
	}
	if cameOnline {
		h.broadcast(doctorStatus(identity.UserID, identity.Name, models.PresenceOnline))
	}

	h.logger().Info("Client connected",
		zap.String("client_id", c.id),
		zap.String("user_id", identity.UserID),
		zap.String("role", string(identity.Role)))
	return true
}

func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	delete(h.pending, c)
	attached := h.conns[c.id] == c
	if attached {
		delete(h.conns, c.id)
	}
	wentOffline := false
	if attached && c.identity.Role == models.RoleDoctor {
		if p, ok := h.doctors[c.identity.UserID]; ok {
			p.conns--
			if p.conns <= 0 {
				delete(h.doctors, c.identity.UserID)
				wentOffline = true
			}
		}
	}
	h.mu.Unlock()

	if !attached {
		return
	}

	// subscriptions die with the connection; alerts are untouched
	h.registry.OnDisconnect(c.id)
	if wentOffline {
		h.broadcast(doctorStatus(c.identity.UserID, c.identity.Name, models.PresenceOffline))
	}

	h.logger().Info("Client disconnected",
		zap.String("client_id", c.id),
		zap.String("user_id", c.identity.UserID))
}

func doctorStatus(doctorID, name string, status models.PresenceStatus) Envelope {
	return Envelope{Type: MsgDoctorStatus, DoctorID: doctorID, Name: name, Status: status}
}

// Disconnect closes a client's connection. The client is told its session was
// revoked and does not reconnect on its own.
func (h *Hub) Disconnect(clientID string) bool {
	h.mu.RLock()
	c, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.close(CloseRevoked, "session revoked")
	return true
}

// Connections lists attached connections ordered by client id.
func (h *Hub) Connections() []ConnectionState {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	states := common.Mapper(conns, func(c *conn) ConnectionState { return c.snapshot() })
	slices.SortFunc(states, func(a, b ConnectionState) int { return strings.Compare(a.ClientID, b.ClientID) })
	return states
}

// Close disconnects every client with "going away" and waits for their
// goroutines. Clients reconnect with backoff.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.wg.Wait()
		return
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	pending := make([]*conn, 0, len(h.pending))
	for c := range h.pending {
		pending = append(pending, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	for _, c := range pending {
		_ = c.ws.Close()
	}
	h.wg.Wait()
}

type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	id       string
	identity models.Identity

	mu       sync.Mutex
	state    ConnState
	lastSeen time.Time

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newConn(h *Hub, ws *websocket.Conn) *conn {
	return &conn{
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		id:       uuid.NewString(),
		state:    StateConnecting,
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}
}

func (c *conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *conn) snapshot() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		ClientID:    c.id,
		Identity:    c.identity,
		Role:        c.identity.Role,
		IsConnected: c.state == StateConnected,
		LastSeen:    c.lastSeen,
		State:       c.state.String(),
	}
}

func (c *conn) serve() {
	defer c.hub.wg.Done()

	identity, err := c.authenticate()
	if err != nil {
		c.reject(err)
		return
	}
	c.identity = identity
	c.setState(StateConnected)

	c.hub.wg.Add(1)
	go c.writePump()

	if !c.hub.attach(c) {
		c.setState(StateDisconnected)
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	c.readPump()
}

func (c *conn) authenticate() (models.Identity, error) {
	c.setState(StateAuthenticating)
	deadline := time.Now().Add(c.hub.cfg.AuthTimeout)
	_ = c.ws.SetReadDeadline(deadline)
	c.ws.SetReadLimit(maxMessageSize)

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return models.Identity{}, &models.AuthError{Reason: "authentication timeout"}
		}
		return models.Identity{}, &models.TransportError{Op: "auth", Err: err}
	}
	c.touch()

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Identity{}, &models.AuthError{Reason: "malformed auth frame"}
	}
	if env.Type != MsgAuth {
		return models.Identity{}, &models.AuthError{Reason: "first frame must be auth"}
	}

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	return c.hub.verifier.Verify(ctx, env.Token)
}

func (c *conn) reject(err error) {
	defer func() {
		c.setState(StateDisconnected)
		c.hub.detach(c)
		_ = c.ws.Close()
	}()

	var authErr *models.AuthError
	if !errors.As(err, &authErr) {
		c.hub.logger().Debug("Connection lost before authentication", zap.Error(err))
		return
	}

	c.hub.logger().Warn("Authentication failed", zap.String("reason", authErr.Reason))

	code := CloseAuthFailed
	if authErr.Reason == "authentication timeout" {
		code = CloseAuthTimeout
	}
	deadline := time.Now().Add(c.hub.cfg.WriteWait)
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.WriteMessage(websocket.TextMessage, mustMarshal(Envelope{
		Type:  MsgAuthError,
		Error: &ErrorBody{Code: CodeAuth, Message: authErr.Reason},
	}))
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, authErr.Reason), deadline)
}

func (c *conn) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
		c.hub.logger().Warn("Dropping slow client", zap.String("client_id", c.id))
		c.close(websocket.CloseTryAgainLater, "client too slow")
	}
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *conn) readPump() {
	defer func() {
		c.close(websocket.CloseNormalClosure, "")
		c.setState(StateDisconnected)
		c.hub.detach(c)
	}()

	pongWait := c.hub.cfg.PongWait
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger().Debug("Unexpected close", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(data)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.hub.wg.Done()
	}()

	writeWait := c.hub.cfg.WriteWait
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeReason),
					time.Now().Add(writeWait))
			}
			return
		}
	}
}

func (c *conn) respond(req Envelope, resp Envelope, err error) {
	resp.Type = MsgResponse
	resp.RequestID = req.RequestID
	if err != nil {
		resp = Envelope{Type: MsgResponse, RequestID: req.RequestID, Error: errorBodyOf(err)}
	}
	c.enqueue(mustMarshal(resp))
}

func (c *conn) handle(data []byte) {
	logger := common.GetLoggerWith(
		common.LoggerNameRealtimeHub,
		zap.String(common.LoggerFieldCategory, common.LoggerCategorySubscription),
	)

	var req Envelope
	if err := json.Unmarshal(data, &req); err != nil {
		c.enqueue(mustMarshal(Envelope{
			Type:  MsgResponse,
			Error: &ErrorBody{Code: CodeBadRequest, Message: "malformed frame"},
		}))
		return
	}

	h := c.hub
	switch req.Type {
	case MsgSubscribe:
		target := req.target()
		if !target.AllCritical && target.PatientID != "" && !c.identity.CanAccess(target.PatientID) {
			c.respond(req, Envelope{}, &models.ForbiddenError{UserID: c.identity.UserID, PatientID: target.PatientID})
			return
		}
		if err := h.registry.Subscribe(c.id, target); err != nil {
			logger.Info("Subscribe refused", zap.String("client_id", c.id), zap.Error(err))
			c.respond(req, Envelope{}, err)
			return
		}
		c.respond(req, Envelope{Subscriptions: h.registry.Subscriptions(c.id)}, nil)

	case MsgUnsubscribe:
		if err := h.registry.Unsubscribe(c.id, req.target()); err != nil {
			c.respond(req, Envelope{}, err)
			return
		}
		c.respond(req, Envelope{Subscriptions: h.registry.Subscriptions(c.id)}, nil)

	case MsgAcknowledge:
		alert, err := h.monitor.Alert.Acknowledge(c.identity, req.AlertID)
		if err != nil {
			logger.Info("Acknowledge failed",
				zap.String("client_id", c.id),
				zap.String("alert_id", req.AlertID),
				zap.Error(err))
			c.respond(req, Envelope{}, err)
			return
		}
		c.respond(req, Envelope{Alert: &alert}, nil)

	case MsgListActive:
		limit := req.Limit
		if limit == 0 {
			limit = h.cfg.ListCap
		}
		alerts, err := h.monitor.Alert.ListActive(c.identity, req.PatientID, limit)
		c.respond(req, Envelope{Alerts: alerts}, err)

	case MsgAuth:
		c.respond(req, Envelope{}, &models.ValidationError{Reason: "already authenticated"})

	default:
		c.enqueue(mustMarshal(Envelope{
			Type:      MsgResponse,
			RequestID: req.RequestID,
			Error:     &ErrorBody{Code: CodeBadRequest, Message: "unknown request type " + string(req.Type)},
		}))
	}
}

func mustMarshal(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// Envelope holds only plain data
		panic(err)
	}
	return data
}
