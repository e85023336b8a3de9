// Package realtime fans chat and template deltas out to connected operator tabs.
package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names pushed to operators.
const (
	ChatCreated     = "chat_created"
	ChatUpdated     = "chat_updated"
	ChatDeleted     = "chat_deleted"
	MessageCreated  = "message_created"
	MessageUpdated  = "message_updated"
	MessageDeleted  = "message_deleted"
	TemplateCreated = "template_created"
	TemplateUpdated = "template_updated"
	TemplateDeleted = "template_deleted"
)

// sendBuffer is how many frames a client may lag before it is dropped.
const sendBuffer = 64

// Envelope is the wire frame of every event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client is one registered connection. The hub writes frames to its queue;
// Done is closed once the hub has dropped it.
type Client struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ExpiresAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client whose access token expires at expiresAt.
// A zero expiresAt never expires.
func NewClient(userID uuid.UUID, expiresAt time.Time) *Client {
	return &Client{
		ID:        uuid.New(),
		UserID:    userID,
		ExpiresAt: expiresAt,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// Frames yields encoded envelopes in publish order.
func (c *Client) Frames() <-chan []byte { return c.send }

// Done is closed when the hub drops the client.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub is the set of live connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	now     func() time.Time
}

// NewHub creates an empty hub. now may be nil (uses time.Now).
func NewHub(now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{clients: make(map[*Client]struct{}), now: now}
}

// Register adds c to the fan-out set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	globalMetrics().connections.Set(float64(n))
}

// Unregister removes c. Unregistering twice is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		globalMetrics().connections.Set(float64(n))
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers event to every registered client. A client whose queue is
// full is dropped; the others still receive the frame.
func (h *Hub) Publish(event string, payload any) {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		log.Printf("realtime: encode %s: %v", event, err)
		return
	}

	m := globalMetrics()
	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()
	m.published.WithLabelValues(event).Inc()

	for _, c := range lagging {
		m.dropped.WithLabelValues("slow").Inc()
		log.Printf("realtime: dropping slow client %s", c.ID)
		h.Unregister(c)
	}
}

// SweepExpired drops clients whose access token has expired and returns how
// many were removed.
func (h *Hub) SweepExpired() int {
	now := h.now()
	var expired []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
			expired = append(expired, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range expired {
		globalMetrics().dropped.WithLabelValues("expired").Inc()
		h.Unregister(c)
	}
	return len(expired)
}
