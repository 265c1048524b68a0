package realtime

import (
	"context"
	"errors"
	"sync"
)

const (
	// EventDataChanged is broadcast to every connected client whenever a
	// watched collection mutates, so UIs can invalidate caches.
	EventDataChanged = "data-changed"
	// EventNotification carries a full notification payload to one recipient.
	EventNotification = "notification"
	// EventUnreadCount carries the recipient's current unread counter.
	EventUnreadCount = "unread-count"
)

// ErrStreamFull indicates a subscriber's buffer was full and the message was
// dropped. Delivery is fire-and-forget; the client catches up on next sync.
var ErrStreamFull = errors.New("realtime: subscriber stream full")

// Message is one event queued for delivery to a subscriber.
type Message struct {
	Event   string
	Payload any
}

// Subscriber is the channel handle registered in the presence registry for a
// connected client. The transport layer drains Stream and writes frames.
type Subscriber struct {
	id     int64
	userID string
	stream chan Message
}

// UserID returns the identifier of the connected user.
func (s *Subscriber) UserID() string {
	return s.userID
}

// Stream exposes the queued messages for the transport layer to drain.
func (s *Subscriber) Stream() <-chan Message {
	return s.stream
}

// Emit queues one event for this subscriber without blocking. A full buffer
// drops the message and reports ErrStreamFull.
func (s *Subscriber) Emit(event string, payload any) error {
	select {
	case s.stream <- Message{Event: event, Payload: payload}:
		return nil
	default:
		return ErrStreamFull
	}
}

// Hub owns the set of connected subscribers and supports untargeted fan-out.
// Targeted delivery goes through the presence registry, which hands out the
// Subscriber handles created here.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]*Subscriber
	nextID      int64
	bufferSize  int
}

// NewHub constructs a Hub with a per-subscriber buffer of 16 messages.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int64]*Subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a new delivery channel for the user and returns it with
// a cleanup function. Cancellation of ctx also unregisters the subscriber.
func (h *Hub) Subscribe(ctx context.Context, userID string) (*Subscriber, func()) {
	if userID == "" {
		// A nil stream makes Emit take the default branch (ErrStreamFull)
		// instead of panicking on a send to a closed channel.
		return &Subscriber{}, func() {}
	}
	subscriber := &Subscriber{
		id:     h.nextSequence(),
		userID: userID,
		stream: make(chan Message, h.bufferSize),
	}
	h.register(subscriber)
	cleanup := func() {
		h.unregister(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber, cleanup
}

// BroadcastAll queues the event on every connected subscriber. Full buffers
// drop the message for that subscriber only.
func (h *Hub) BroadcastAll(event string, payload any) {
	if event == "" {
		return
	}
	h.mu.RLock()
	copies := make([]*Subscriber, 0, len(h.subscribers))
	for _, subscriber := range h.subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		_ = subscriber.Emit(event, payload)
	}
}

// ConnectedCount reports how many delivery channels are currently registered.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(subscriber *Subscriber) {
	h.mu.Lock()
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()
}

func (h *Hub) unregister(subscriberID int64) {
	h.mu.Lock()
	delete(h.subscribers, subscriberID)
	h.mu.Unlock()
}
