package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the lifecycle state of one channel session. Error always leads
// to disconnected.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// Session is one persistent, full-duplex connection to a single client. It
// owns its subscription set, its pre-auth subscribe queue and its outbound
// send buffer.
type Session struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	state         State
	userID        string // empty until authentication succeeds
	pending       []string
	subscriptions map[string]struct{}
	lastSeen      time.Time
	closed        bool
}

func newSession(conn *websocket.Conn, sendBuffer int) *Session {
	return &Session{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		state:         StateConnecting,
		subscriptions: make(map[string]struct{}),
		lastSeen:      time.Now(),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// UserID returns the authenticated user id, or "" before auth succeeds.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Authenticated reports whether the auth handshake has completed.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuthenticated
}

func (s *Session) authenticate(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.state = StateAuthenticated
	s.mu.Unlock()
}

// maxPendingSubscribes bounds the pre-auth subscribe queue so an
// unauthenticated client cannot grow session memory without limit.
const maxPendingSubscribes = 32

// queuePending holds a subscribe request received before authentication.
// Requests are replayed in receipt order once auth succeeds; duplicates are
// collapsed. It reports false when the queue is full.
func (s *Session) queuePending(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.pending {
		if name == channel {
			return true
		}
	}

	if len(s.pending) >= maxPendingSubscribes {
		return false
	}

	s.pending = append(s.pending, channel)
	return true
}

// takePending returns and clears the pre-auth subscribe queue.
func (s *Session) takePending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.pending
	s.pending = nil
	return pending
}

func (s *Session) addSubscription(channel string) {
	s.mu.Lock()
	s.subscriptions[channel] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeSubscription(channel string) {
	s.mu.Lock()
	delete(s.subscriptions, channel)
	s.mu.Unlock()
}

// Subscriptions returns the session's current subscription set, sorted for
// stable confirmation payloads.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.subscriptions))
	for channel := range s.subscriptions {
		out = append(out, channel)
	}
	sort.Strings(out)

	return out
}

// touch records inbound traffic for heartbeat tracking.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last inbound frame or pong.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// enqueue places a serialized frame on the session's send buffer without
// blocking. It reports false when the session is closed or its buffer is
// full, so a slow or dead session never stalls a fan-out.
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// close marks the session disconnected and closes the send channel, which
// stops the write pump. Safe to call more than once.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.state = StateDisconnected
	close(s.send)
}
