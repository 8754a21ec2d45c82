package gateway

import (
	"sync"
)

// Registry maps channel names to the sessions subscribed to them. It is
// process-local; a multi-instance gateway deployment needs an external
// broadcast layer in front of it.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[*Session]struct{}

	onActive func(channel string) // first subscriber joined
	onIdle   func(channel string) // last subscriber left
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[string]map[*Session]struct{}),
	}
}

// SetHooks registers callbacks fired when a channel gains its first
// subscriber or loses its last one. Hooks run outside the registry lock.
func (r *Registry) SetHooks(onActive, onIdle func(channel string)) {
	r.onActive = onActive
	r.onIdle = onIdle
}

// Subscribe adds the session to the channel's subscriber set. It reports
// whether the session was newly added; subscribing twice is a no-op.
func (r *Registry) Subscribe(channel string, s *Session) bool {
	r.mu.Lock()
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[*Session]struct{})
		r.channels[channel] = subs
	}

	if _, exists := subs[s]; exists {
		r.mu.Unlock()
		return false
	}

	subs[s] = struct{}{}
	first := len(subs) == 1
	r.mu.Unlock()

	if first && r.onActive != nil {
		r.onActive(channel)
	}

	return true
}

// Unsubscribe removes the session from the channel's subscriber set. It
// reports whether the session was subscribed.
func (r *Registry) Unsubscribe(channel string, s *Session) bool {
	r.mu.Lock()
	subs, ok := r.channels[channel]
	if !ok {
		r.mu.Unlock()
		return false
	}

	if _, exists := subs[s]; !exists {
		r.mu.Unlock()
		return false
	}

	delete(subs, s)
	idle := len(subs) == 0
	if idle {
		delete(r.channels, channel)
	}
	r.mu.Unlock()

	if idle && r.onIdle != nil {
		r.onIdle(channel)
	}

	return true
}

// RemoveSession removes the session from every channel it is subscribed to
// and returns the channels that became empty as a result.
func (r *Registry) RemoveSession(s *Session) []string {
	r.mu.Lock()
	var idle []string
	for channel, subs := range r.channels {
		if _, ok := subs[s]; !ok {
			continue
		}

		delete(subs, s)
		if len(subs) == 0 {
			delete(r.channels, channel)
			idle = append(idle, channel)
		}
	}
	r.mu.Unlock()

	if r.onIdle != nil {
		for _, channel := range idle {
			r.onIdle(channel)
		}
	}

	return idle
}

// Subscribers returns a snapshot of the channel's subscriber set. Publishes
// iterate the snapshot, so registry mutations never block a fan-out.
func (r *Registry) Subscribers(channel string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs, ok := r.channels[channel]
	if !ok {
		return nil
	}

	out := make([]*Session, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}

	return out
}

// SubscriberCount returns the number of sessions subscribed to the channel.
func (r *Registry) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}
