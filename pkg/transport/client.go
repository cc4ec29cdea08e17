package transport

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"liyu1981.xyz/vitals-alert-service/pkg/common"
	"liyu1981.xyz/vitals-alert-service/pkg/models"
	"liyu1981.xyz/vitals-alert-service/pkg/registry"
)

type ClientConfig struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	// Backoff paces reconnect attempts after transport failures.
	Backoff        Backoff
	BufferSize     int
	RequestTimeout time.Duration
	// ReadTimeout closes a silent connection. The server pings well within it.
	ReadTimeout time.Duration
}

func (c ClientConfig) normalized() ClientConfig {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	c.Backoff = c.Backoff.normalized()
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	return c
}

// StateChange reports a transition of the client connection. Err is set when
// the transition was caused by a failure.
type StateChange struct {
	State ConnState
	Err   error
	At    time.Time
}

type result struct {
	env Envelope
	err error
}

// Client is a realtime connection that reconnects after network failures and
// restores its subscriptions. Authentication failures, revocation and Close
// end it for good.
type Client struct {
	cfg ClientConfig

	alerts   chan models.AlertEvent
	presence chan models.DoctorStatus
	status   chan models.PatientStatusChange
	states   chan StateChange

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	ws         *websocket.Conn
	state      ConnState
	err        error
	clientID   string
	identity   models.Identity
	desired    []registry.Target
	pending    map[string]chan result
	opened     bool
	running    bool
	closed     bool
	chanClosed bool

	writeMu sync.Mutex
	seq     atomic.Uint64

	finishOnce sync.Once
	done       chan struct{}
}

func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		alerts:   make(chan models.AlertEvent, cfg.BufferSize),
		presence: make(chan models.DoctorStatus, cfg.BufferSize),
		status:   make(chan models.PatientStatusChange, cfg.BufferSize),
		states:   make(chan StateChange, cfg.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
		pending:  make(map[string]chan result),
		done:     make(chan struct{}),
	}
}

func (c *Client) logger() *zap.Logger {
	return common.GetLoggerWith(
		common.LoggerNameRealtimeClient,
		zap.String(common.LoggerFieldCategory, common.LoggerCategoryConnection),
	)
}

func (c *Client) Alerts() <-chan models.AlertEvent { return c.alerts }
func (c *Client) Presence() <-chan models.DoctorStatus { return c.presence }
func (c *Client) PatientStatus() <-chan models.PatientStatusChange { return c.status }
func (c *Client) States() <-chan StateChange { return c.states }

// Done is closed once the client stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that last moved the client to Disconnected.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) Identity() models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Subscriptions are the targets restored after a reconnect.
func (c *Client) Subscriptions() []registry.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.desired)
}

// Open dials and authenticates. It returns an *models.AuthError when the
// credential is refused and a *models.TransportError when the server could not
// be reached; in both cases the client is finished.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.ErrClosed
	}
	if c.opened {
		c.mu.Unlock()
		return errors.New("client already opened")
	}
	c.opened = true
	c.mu.Unlock()

	ws, auth, err := c.connect(ctx)
	if err != nil {
		c.setState(StateDisconnected, err)
		c.finish()
		return err
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	if !c.adopt(ws, auth) {
		_ = ws.Close()
		c.finish()
		return models.ErrClosed
	}
	go c.run(ws)
	return nil
}

// connect dials and runs the auth handshake.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, Envelope, error) {
	c.setState(StateConnecting, nil)

	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, Envelope{}, &models.TransportError{Op: "dial", Err: err}
	}

	c.setState(StateAuthenticating, nil)

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(Envelope{Type: MsgAuth, Token: c.cfg.Token}); err != nil {
		_ = ws.Close()
		return nil, Envelope{}, &models.TransportError{Op: "auth", Err: err}
	}
	_ = ws.SetReadDeadline(deadline)

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			_ = ws.Close()
			if authErr := closeAuthError(err); authErr != nil {
				return nil, Envelope{}, authErr
			}
			return nil, Envelope{}, &models.TransportError{Op: "auth", Err: err}
		}

		switch env.Type {
		case MsgAuthOK:
			_ = ws.SetReadDeadline(time.Time{})
			_ = ws.SetWriteDeadline(time.Time{})
			return ws, env, nil
		case MsgAuthError:
			_ = ws.Close()
			reason := "credential refused"
			if env.Error != nil {
				reason = env.Error.Message
			}
			return nil, Envelope{}, &models.AuthError{Reason: reason}
		}
		// anything before auth_ok is ignored
	}
}

// closeAuthError maps the application close codes to an AuthError.
func closeAuthError(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return nil
	}
	switch ce.Code {
	case CloseAuthFailed, CloseAuthTimeout, CloseRevoked:
		reason := ce.Text
		if reason == "" {
			reason = "closed with code " + strconv.Itoa(ce.Code)
		}
		return &models.AuthError{Reason: reason}
	}
	return nil
}

// adopt installs an authenticated connection, restores the desired
// subscriptions and only then reports Connected. It refuses once Close ran.
func (c *Client) adopt(ws *websocket.Conn, auth Envelope) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.ws = ws
	c.clientID = auth.ClientID
	if auth.Identity != nil {
		c.identity = *auth.Identity
	}
	desired := slices.Clone(c.desired)
	c.mu.Unlock()

	for _, t := range desired {
		// responses to these carry no pending entry and are dropped
		req := Envelope{
			Type:        MsgSubscribe,
			RequestID:   c.nextRequestID(),
			PatientID:   t.PatientID,
			AllCritical: t.AllCritical,
		}
		if err := c.write(ws, req); err != nil {
			c.logger().Warn("Failed to restore subscription", zap.String("target", t.String()), zap.Error(err))
		}
	}

	c.setState(StateConnected, nil)
	c.logger().Info("Connected", zap.String("client_id", auth.ClientID), zap.Int("restored", len(desired)))
	return true
}

func (c *Client) run(ws *websocket.Conn) {
	defer c.finish()

	for {
		err := c.readLoop(ws)
		c.failPending(err)

		if c.isClosed() {
			c.setState(StateDisconnected, nil)
			return
		}
		c.setState(StateDisconnected, err)
		if !models.IsTransport(err) {
			c.logger().Warn("Connection ended", zap.Error(err))
			return
		}

		c.logger().Info("Connection lost, reconnecting", zap.Error(err))
		if ws = c.reconnect(); ws == nil {
			return
		}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	var delay time.Duration
	for {
		delay = c.cfg.Backoff.Next(delay)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		ws, auth, err := c.connect(ctx)
		cancel()

		if err == nil {
			if !c.adopt(ws, auth) {
				_ = ws.Close()
				return nil
			}
			return ws
		}

		if c.isClosed() {
			return nil
		}
		c.setState(StateDisconnected, err)
		if !models.IsTransport(err) {
			c.logger().Warn("Reconnect refused", zap.Error(err))
			return nil
		}
		c.logger().Debug("Reconnect failed", zap.Duration("delay", delay), zap.Error(err))
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	readTimeout := c.cfg.ReadTimeout
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			if c.isClosed() {
				return models.ErrClosed
			}
			if authErr := closeAuthError(err); authErr != nil {
				return authErr
			}
			return &models.TransportError{Op: "read", Err: err}
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger().Warn("Malformed frame", zap.Error(err))
		return
	}

	switch {
	case isAlertMessage(env.Type):
		if env.Alert == nil {
			return
		}
		evt := models.AlertEvent{Type: models.EventType(env.Type), Alert: *env.Alert}
		c.mu.Lock()
		if !c.chanClosed {
			select {
			case c.alerts <- evt:
			default:
				c.logger().Warn("Alert channel full, dropping event",
					zap.String("alert_id", evt.Alert.ID),
					zap.String("patient_id", evt.Alert.PatientID))
			}
		}
		c.mu.Unlock()

	case env.Type == MsgDoctorStatus:
		st := models.DoctorStatus{DoctorID: env.DoctorID, Name: env.Name, Status: env.Status}
		c.mu.Lock()
		if !c.chanClosed {
			select {
			case c.presence <- st:
			default:
				c.logger().Warn("Presence channel full, dropping event", zap.String("doctor_id", st.DoctorID))
			}
		}
		c.mu.Unlock()

	case env.Type == MsgPatientStatusChange:
		if env.Change == nil {
			return
		}
		c.mu.Lock()
		if !c.chanClosed {
			select {
			case c.status <- *env.Change:
			default:
				c.logger().Warn("Status channel full, dropping event", zap.String("patient_id", env.Change.PatientID))
			}
		}
		c.mu.Unlock()

	case env.Type == MsgResponse:
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- result{env: env}
		}
	}
}

func (c *Client) failPending(err error) {
	if err == nil {
		err = models.ErrClosed
	}
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: err}
	}
}

func (c *Client) setState(s ConnState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = s
	if s == StateDisconnected {
		c.err = err
	}
	if c.chanClosed {
		return
	}
	select {
	case c.states <- StateChange{State: s, Err: err, At: time.Now()}:
	default:
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) finish() {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.chanClosed = true
		c.ws = nil
		close(c.alerts)
		close(c.presence)
		close(c.status)
		close(c.states)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) nextRequestID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) write(ws *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return ws.WriteJSON(env)
}

func (c *Client) request(ctx context.Context, req Envelope) (Envelope, error) {
	req.RequestID = c.nextRequestID()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed || c.chanClosed {
		c.mu.Unlock()
		return Envelope{}, models.ErrClosed
	}
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return Envelope{}, &models.TransportError{Op: string(req.Type), Err: errors.New("not connected")}
	}
	ws := c.ws
	c.pending[req.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(ws, req); err != nil {
		return Envelope{}, &models.TransportError{Op: string(req.Type), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.err != nil {
			return Envelope{}, res.err
		}
		if res.env.Error != nil {
			return Envelope{}, errorOf(res.env.Error, req)
		}
		return res.env, nil
	case <-ctx.Done():
		return Envelope{}, &models.TransportError{Op: string(req.Type), Err: ctx.Err()}
	}
}

func (c *Client) addDesired(t registry.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.desired, t) {
		c.desired = append(c.desired, t)
	}
}

// Subscribe follows every alert of patientID. The subscription is restored
// after reconnects until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, patientID string) error {
	t := registry.PatientTarget(patientID)
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := c.request(ctx, Envelope{Type: MsgSubscribe, PatientID: patientID}); err != nil {
		return err
	}
	c.addDesired(t)
	return nil
}

// SubscribeAllCritical follows critical alerts of every patient.
func (c *Client) SubscribeAllCritical(ctx context.Context) error {
	if _, err := c.request(ctx, Envelope{Type: MsgSubscribe, AllCritical: true}); err != nil {
		return err
	}
	c.addDesired(registry.AllCriticalTarget)
	return nil
}

// Unsubscribe forgets t locally first so that a reconnect racing with the
// request does not bring it back.
func (c *Client) Unsubscribe(ctx context.Context, t registry.Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.desired = slices.DeleteFunc(c.desired, func(d registry.Target) bool { return d == t })
	c.mu.Unlock()

	_, err := c.request(ctx, Envelope{Type: MsgUnsubscribe, PatientID: t.PatientID, AllCritical: t.AllCritical})
	return err
}

func (c *Client) Acknowledge(ctx context.Context, alertID string) (models.Alert, error) {
	resp, err := c.request(ctx, Envelope{Type: MsgAcknowledge, AlertID: alertID})
	if err != nil {
		return models.Alert{}, err
	}
	if resp.Alert == nil {
		return models.Alert{}, &models.TransportError{Op: string(MsgAcknowledge), Err: errors.New("response without alert")}
	}
	return *resp.Alert, nil
}

// ListActive lists active alerts most recent first. An empty patientID lists
// every patient the identity may see; limit 0 uses the server cap and a
// negative limit returns everything.
func (c *Client) ListActive(ctx context.Context, patientID string, limit int) ([]models.Alert, error) {
	resp, err := c.request(ctx, Envelope{Type: MsgListActive, PatientID: patientID, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Alerts, nil
}

// Close ends the connection with a normal closure and stops reconnecting. It
// waits until the event channels are closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	ws := c.ws
	running := c.running
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	if !running {
		c.finish()
	}
	<-c.done
	return nil
}
