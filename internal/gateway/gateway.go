// Package gateway implements the persistent-connection channel protocol:
// it accepts WebSocket connections, runs the authentication handshake,
// applies subscribe/unsubscribe requests against the channel registry and
// fans published events out to subscribed sessions.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/mealdash/relay/internal/config"
	"github.com/mealdash/relay/pkg/channel"
)

const writeWait = 10 * time.Second

// TokenValidator validates a connection token against the platform auth
// service and returns the authenticated user id.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// Gateway accepts channel connections and owns all live sessions.
type Gateway struct {
	registry  *Registry
	feeds     *OrderFeeds
	validator TokenValidator
	cfg       config.Gateway
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New creates a gateway. Zero config fields fall back to defaults.
func New(validator TokenValidator, cfg config.Gateway) *Gateway {
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = cfg.HeartbeatWindow * 9 / 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	g := &Gateway{
		registry:  NewRegistry(),
		feeds:     NewOrderFeeds(),
		validator: validator,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[*Session]struct{}),
	}

	g.registry.SetHooks(nil, g.channelIdle)

	return g
}

// Feeds returns the rider-to-order forwarding table. The event ingest
// installs routes here when a rider is assigned to an order.
func (g *Gateway) Feeds() *OrderFeeds { return g.feeds }

// Registry returns the gateway's channel registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// channelIdle releases per-order resources once an order channel loses its
// last subscriber.
func (g *Gateway) channelIdle(name string) {
	kind, id, err := channel.ParseChannel(name)
	if err != nil || kind != channel.KindOrder {
		return
	}

	g.feeds.Release(id)
}

// HandleWS upgrades an HTTP request to a channel session.
func (g *Gateway) HandleWS(c *ginext.Context) {
	g.Serve(c.Writer, c.Request)
}

// Serve upgrades the connection, sends the connection greeting and runs the
// session's read loop until the connection dies.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	s := newSession(conn, g.cfg.SendBuffer)
	s.setState(StateConnected)

	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()

	go g.writePump(s)

	g.sendMsg(s, channel.Envelope{Type: channel.TypeConnection})

	g.readPump(r.Context(), s)
}

func (g *Gateway) readPump(ctx context.Context, s *Session) {
	defer g.teardown(s)

	conn := s.conn
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.HeartbeatWindow))
	conn.SetPongHandler(func(string) error {
		s.touch()
		return conn.SetReadDeadline(time.Now().Add(g.cfg.HeartbeatWindow))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zlog.Logger.Warn().Err(err).Str("session", s.id.String()).Msg("session read failed")
			}
			return
		}

		s.touch()
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.HeartbeatWindow))

		g.handleFrame(ctx, s, data)
	}
}

func (g *Gateway) writePump(s *Session) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame routes one inbound frame by its type field. Malformed frames
// are logged and dropped; the session stays alive.
func (g *Gateway) handleFrame(ctx context.Context, s *Session, data []byte) {
	var env channel.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		zlog.Logger.Warn().Err(err).Str("session", s.id.String()).Msg("dropping malformed frame")
		return
	}

	switch env.Type {
	case channel.TypeAuth:
		var req channel.AuthRequest
		if err := json.Unmarshal(data, &req); err != nil {
			zlog.Logger.Warn().Err(err).Str("session", s.id.String()).Msg("dropping malformed auth frame")
			return
		}
		g.handleAuth(ctx, s, req)

	case channel.TypeSubscribe:
		var req channel.SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			zlog.Logger.Warn().Err(err).Str("session", s.id.String()).Msg("dropping malformed subscribe frame")
			return
		}

		if !s.Authenticated() {
			// held until the auth handshake completes, then replayed
			// in receipt order
			if !s.queuePending(req.Channel) {
				g.sendError(s, "too many queued subscriptions")
			}
			return
		}

		g.subscribe(s, req.Channel)

	case channel.TypeUnsubscribe:
		var req channel.SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			zlog.Logger.Warn().Err(err).Str("session", s.id.String()).Msg("dropping malformed unsubscribe frame")
			return
		}

		if !s.Authenticated() {
			g.sendError(s, "not authenticated")
			return
		}

		g.unsubscribe(s, req.Channel)

	case channel.TypePing:
		g.sendMsg(s, channel.Envelope{Type: channel.TypePong})

	case channel.TypeRiderLocation:
		var req channel.RiderLocation
		if err := json.Unmarshal(data, &req); err != nil {
			zlog.Logger.Warn().Err(err).Str("session", s.id.String()).Msg("dropping malformed rider location frame")
			return
		}
		g.handleRiderLocation(s, req)

	default:
		g.sendError(s, "unknown message type: "+env.Type)
	}
}

func (g *Gateway) handleAuth(ctx context.Context, s *Session, req channel.AuthRequest) {
	userID, err := g.validator.Validate(ctx, req.Token)
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("session", s.id.String()).Msg("authentication failed")
		g.sendMsg(s, channel.AuthResult{
			Type:    channel.TypeAuth,
			Success: false,
			Message: "authentication failed",
		})
		return
	}

	s.authenticate(userID)

	g.sendMsg(s, channel.AuthResult{
		Type:    channel.TypeAuth,
		Success: true,
		UserID:  userID,
	})

	for _, name := range s.takePending() {
		g.subscribe(s, name)
	}
}

func (g *Gateway) subscribe(s *Session, name string) {
	if _, _, err := channel.ParseChannel(name); err != nil {
		g.sendError(s, err.Error())
		return
	}

	g.registry.Subscribe(name, s)
	s.addSubscription(name)
	g.confirmSubscriptions(s)
}

func (g *Gateway) unsubscribe(s *Session, name string) {
	g.registry.Unsubscribe(name, s)
	s.removeSubscription(name)
	g.confirmSubscriptions(s)
}

func (g *Gateway) confirmSubscriptions(s *Session) {
	g.sendMsg(s, channel.SubscriptionConfirmed{
		Type:          channel.TypeSubscriptionConfirmed,
		Subscriptions: s.Subscriptions(),
	})
}

func (g *Gateway) handleRiderLocation(s *Session, req channel.RiderLocation) {
	if !s.Authenticated() {
		g.sendError(s, "not authenticated")
		return
	}

	riderID := s.UserID()
	update := channel.RiderLocationUpdate{
		Type:      channel.TypeRiderLocationUpdate,
		RiderID:   riderID,
		Lat:       req.Lat,
		Lng:       req.Lng,
		OrderID:   req.OrderID,
		Timestamp: time.Now().UTC(),
	}

	g.Publish(channel.RiderChannel(riderID), update)

	for _, orderID := range g.feeds.OrdersForRider(riderID) {
		fwd := update
		fwd.OrderID = orderID
		g.Publish(channel.OrderChannel(orderID), fwd)
	}
}

// Publish serializes the event once and fans it out to every session
// subscribed to the channel. Each delivery is independent; a slow or dead
// session only loses its own frame.
func (g *Gateway) Publish(channelName string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("channel", channelName).Msg("failed to marshal event")
		return
	}

	for _, s := range g.registry.Subscribers(channelName) {
		if !s.enqueue(data) {
			zlog.Logger.Warn().
				Str("channel", channelName).
				Str("session", s.id.String()).
				Msg("send buffer full, dropping frame")
		}
	}
}

func (g *Gateway) sendMsg(s *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to marshal message")
		return
	}

	s.enqueue(data)
}

func (g *Gateway) sendError(s *Session, msg string) {
	g.sendMsg(s, channel.ErrorMessage{Type: channel.TypeError, Message: msg})
}

// teardown closes the session and removes it from every channel atomically
// with the session's own shutdown, so publishes never reach a dead session.
func (g *Gateway) teardown(s *Session) {
	g.mu.Lock()
	if _, ok := g.sessions[s]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.sessions, s)
	g.mu.Unlock()

	g.registry.RemoveSession(s)
	s.close()
}

// Run sweeps sessions that produced no traffic within the heartbeat window.
// It blocks until the context is cancelled, then closes all sessions.
func (g *Gateway) Run(ctx context.Context) {
	interval := g.cfg.HeartbeatWindow / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.closeAll()
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *Gateway) sweep() {
	cutoff := time.Now().Add(-g.cfg.HeartbeatWindow)

	g.mu.Lock()
	var dead []*Session
	for s := range g.sessions {
		if s.LastSeen().Before(cutoff) {
			dead = append(dead, s)
		}
	}
	g.mu.Unlock()

	for _, s := range dead {
		zlog.Logger.Info().Str("session", s.id.String()).Msg("heartbeat timeout, closing session")
		g.teardown(s)
	}
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		g.teardown(s)
	}
}
