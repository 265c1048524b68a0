package presence

import "sync"

// Channel is an addressable delivery endpoint for one connected client.
// Emit is fire-and-forget: a failed send is reported to the caller for
// logging, never retried.
type Channel interface {
	Emit(event string, payload any) error
}

// Registry maps a user identifier to the single active delivery channel for
// that user. State is process-local and resets on restart; clients re-register
// on reconnect. Connect is last-writer-wins: a later session supersedes an
// earlier one rather than multiplexing duplicates.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry constructs an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Connect registers or replaces the channel for the user.
func (r *Registry) Connect(userID string, channel Channel) {
	if userID == "" || channel == nil {
		return
	}
	r.mu.Lock()
	r.channels[userID] = channel
	r.mu.Unlock()
}

// Disconnect removes the mapping only when the stored channel is the one
// disconnecting, so a stale disconnect from a superseded session never evicts
// a fresher connection.
func (r *Registry) Disconnect(userID string, channel Channel) {
	r.mu.Lock()
	if current, ok := r.channels[userID]; ok && current == channel {
		delete(r.channels, userID)
	}
	r.mu.Unlock()
}

// Lookup returns the active channel for the user, or false when offline.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	r.mu.RLock()
	channel, ok := r.channels[userID]
	r.mu.RUnlock()
	return channel, ok
}

// OnlineCount reports the number of users with an active channel.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
