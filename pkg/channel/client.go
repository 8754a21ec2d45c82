package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wb-go/wbf/zlog"
)

// ClientState is the connection lifecycle state of a Client.
type ClientState string

const (
	StateIdle         ClientState = "idle"
	StateConnecting   ClientState = "connecting"
	StateConnected    ClientState = "connected"
	StateReconnecting ClientState = "reconnecting"
	StateClosed       ClientState = "closed"
)

// reconnectSchedule is the fixed backoff table for abnormal disconnects;
// the final value repeats for every later attempt.
var reconnectSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// ErrNotConnected is returned when a send is attempted without a live
// connection.
var ErrNotConnected = errors.New("channel: not connected")

// Handlers holds the typed callbacks a Client dispatches inbound events to.
// Nil handlers are skipped. OnMessage receives every frame whose type has no
// dedicated handler.
type Handlers struct {
	OnConnect               func()
	OnAuth                  func(AuthResult)
	OnSubscriptionConfirmed func(SubscriptionConfirmed)
	OnOrderStatusUpdate     func(OrderStatusUpdate)
	OnRiderLocationUpdate   func(RiderLocationUpdate)
	OnVendorAlert           func(VendorAlert)
	OnETAUpdate             func(ETAUpdate)
	OnTrackingEvent         func(TrackingEvent)
	OnPong                  func()
	OnError                 func(error)
	OnMessage               func(msgType string, data []byte)
}

// Options configures a Client.
type Options struct {
	URL          string
	Token        string
	PingInterval time.Duration // default 30s
	Dialer       *websocket.Dialer
}

// Client maintains one logical channel connection, transparently
// reconnecting with capped backoff when the underlying connection drops. It
// presents a stable subscribe API: subscriptions requested before the auth
// handshake completes are queued and flushed in order once it does, and the
// full subscription set is replayed after every reconnect.
type Client struct {
	opts     Options
	handlers Handlers

	mu            sync.Mutex
	state         ClientState
	conn          *websocket.Conn
	done          chan struct{} // closed when the current connection dies
	attempts      int           // reconnect attempts since last successful connect
	authenticated bool
	subs          []string // desired subscriptions, in request order
	pending       []string // subscriptions awaiting auth on this connection
	timer         *time.Timer

	writeMu sync.Mutex
}

// NewClient creates a channel client. The client does not connect until
// Connect is called.
func NewClient(opts Options, h Handlers) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	return &Client{
		opts:     opts,
		handlers: h,
		state:    StateIdle,
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnect attempts made since the last
// successful connect.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the connection. It is a no-op while the client is already
// connecting or connected; a dial failure starts the reconnect schedule.
func (c *Client) Connect() error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	return c.dial()
}

func (c *Client) dial() error {
	conn, _, err := c.opts.Dialer.Dial(c.opts.URL, nil)
	if err != nil {
		err = fmt.Errorf("channel: dial %s: %w", c.opts.URL, err)
		c.reportError(err)
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.authenticated = false
	// the desired set is replayed once this connection authenticates
	c.pending = append([]string(nil), c.subs...)
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.pingLoop(conn, done)

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}

	if err := c.sendJSON(AuthRequest{Type: TypeAuth, Token: c.opts.Token}); err != nil {
		c.reportError(err)
	}

	return nil
}

// Disconnect closes the connection cleanly. No reconnect is scheduled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.state = StateClosed
	c.authenticated = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Subscribe requests the channel. If the session is authenticated the
// request is sent immediately; otherwise it is queued and flushed, in order,
// once authentication succeeds.
func (c *Client) Subscribe(name string) {
	c.mu.Lock()
	if !contains(c.subs, name) {
		c.subs = append(c.subs, name)
	}

	if !c.authenticated {
		if !contains(c.pending, name) {
			c.pending = append(c.pending, name)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.sendJSON(SubscribeRequest{Type: TypeSubscribe, Channel: name}); err != nil {
		c.reportError(err)
	}
}

// Unsubscribe drops the channel from the desired set and, when
// authenticated, tells the gateway.
func (c *Client) Unsubscribe(name string) {
	c.mu.Lock()
	c.subs = remove(c.subs, name)
	c.pending = remove(c.pending, name)
	authed := c.authenticated
	c.mu.Unlock()

	if !authed {
		return
	}

	if err := c.sendJSON(SubscribeRequest{Type: TypeUnsubscribe, Channel: name}); err != nil {
		c.reportError(err)
	}
}

// SubscribeToOrder subscribes to the single order channel; the gateway is
// responsible for expanding it into all order-related sub-feeds.
func (c *Client) SubscribeToOrder(orderID string) { c.Subscribe(OrderChannel(orderID)) }

// SubscribeToVendor subscribes to a vendor's alert channel.
func (c *Client) SubscribeToVendor(vendorID string) { c.Subscribe(VendorChannel(vendorID)) }

// SubscribeToRider subscribes to a rider's location feed.
func (c *Client) SubscribeToRider(riderID string) { c.Subscribe(RiderChannel(riderID)) }

// SendRiderLocation publishes the rider's position to the gateway.
func (c *Client) SendRiderLocation(lat, lng float64, orderID string) error {
	return c.sendJSON(RiderLocation{Type: TypeRiderLocation, Lat: lat, Lng: lng, OrderID: orderID})
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		c.dispatch(data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.sendJSON(Envelope{Type: TypePing}); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame to its typed handler. Malformed frames
// are logged and dropped; they never crash the client or desynchronize the
// subscription state.
func (c *Client) dispatch(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("channel client: dropping malformed frame")
		return
	}

	switch m := msg.(type) {
	case *AuthResult:
		c.handleAuth(*m)
	case *SubscriptionConfirmed:
		if c.handlers.OnSubscriptionConfirmed != nil {
			c.handlers.OnSubscriptionConfirmed(*m)
		}
	case *OrderStatusUpdate:
		if c.handlers.OnOrderStatusUpdate != nil {
			c.handlers.OnOrderStatusUpdate(*m)
		}
	case *RiderLocationUpdate:
		if c.handlers.OnRiderLocationUpdate != nil {
			c.handlers.OnRiderLocationUpdate(*m)
		}
	case *VendorAlert:
		if c.handlers.OnVendorAlert != nil {
			c.handlers.OnVendorAlert(*m)
		}
	case *ETAUpdate:
		if c.handlers.OnETAUpdate != nil {
			c.handlers.OnETAUpdate(*m)
		}
	case *TrackingEvent:
		if c.handlers.OnTrackingEvent != nil {
			c.handlers.OnTrackingEvent(*m)
		}
	case *ErrorMessage:
		c.reportError(fmt.Errorf("channel: server error: %s", m.Message))
	case *Envelope:
		switch m.Type {
		case TypePong:
			if c.handlers.OnPong != nil {
				c.handlers.OnPong()
			}
		case TypeConnection:
			// greeting, nothing to do
		default:
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(m.Type, data)
			}
		}
	}
}

func (c *Client) handleAuth(res AuthResult) {
	if c.handlers.OnAuth != nil {
		c.handlers.OnAuth(res)
	}

	if !res.Success {
		c.reportError(fmt.Errorf("channel: authentication rejected: %s", res.Message))
		return
	}

	c.mu.Lock()
	c.authenticated = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, name := range pending {
		if err := c.sendJSON(SubscribeRequest{Type: TypeSubscribe, Channel: name}); err != nil {
			c.reportError(err)
		}
	}
}

// handleClose runs when the read loop dies. A clean, caller-initiated
// Disconnect never schedules a reconnect.
func (c *Client) handleClose(conn *websocket.Conn, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.state == StateClosed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.authenticated = false
	c.state = StateReconnecting
	c.mu.Unlock()

	c.reportError(fmt.Errorf("channel: connection lost: %w", err))
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt. The delay
// follows the fixed schedule, repeating the final value.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}

	c.state = StateReconnecting
	delay := backoffDelay(c.attempts)
	c.attempts++
	attempt := c.attempts

	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		_ = c.dial()
	})
	c.mu.Unlock()

	zlog.Logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("channel client: reconnect scheduled")
}

// backoffDelay returns the reconnect delay for the given zero-based attempt
// number.
func backoffDelay(attempt int) time.Duration {
	if attempt >= len(reconnectSchedule) {
		return reconnectSchedule[len(reconnectSchedule)-1]
	}
	return reconnectSchedule[attempt]
}

func (c *Client) sendJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("channel: marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("channel: write message: %w", err)
	}

	return nil
}

func (c *Client) reportError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
