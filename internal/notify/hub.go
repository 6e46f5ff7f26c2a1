// Package notify keeps track of connected application instances and pushes
// version-change messages to them. Delivery is best-effort: every client has
// a small mailbox and a message that does not fit is dropped. A client that
// misses a message picks up the new version on its next manifest check.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind distinguishes window contexts (tabs) from other client types.
type Kind string

const (
	KindWindow Kind = "window"
	KindWorker Kind = "worker"
)

// MessageTypeVersionUpdate is the only message type the hub emits.
const MessageTypeVersionUpdate = "version-update"

// ParseKind maps a query parameter to a Kind; unknown values mean window.
func ParseKind(raw string) Kind {
	if Kind(raw) == KindWorker {
		return KindWorker
	}
	return KindWindow
}

// Message is posted to clients as JSON.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Client is one connected application instance.
type Client struct {
	ID          string
	Kind        Kind
	ConnectedAt time.Time

	seq        uint64
	controlled bool
	mailbox    chan Message
}

// Messages returns the client's mailbox. It is closed on Unsubscribe.
func (c *Client) Messages() <-chan Message {
	return c.mailbox
}

// ClientInfo is a point-in-time view of a client for diagnostics.
type ClientInfo struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Controlled  bool      `json:"controlled"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Hub tracks clients. The zero value is not usable; call NewHub.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	claimed bool
	next    uint64
	buffer  int
	logger  *logrus.Logger
}

// NewHub creates a hub whose clients each buffer up to buffer messages.
func NewHub(buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  buffer,
		logger:  logger,
	}
}

// Subscribe registers a new client. Clients that connect after Claim are
// controlled immediately; earlier ones stay uncontrolled until the next Claim.
func (h *Hub) Subscribe(kind Kind) *Client {
	client := &Client{
		ID:          uuid.NewString(),
		Kind:        kind,
		ConnectedAt: time.Now().UTC(),
		mailbox:     make(chan Message, h.buffer),
	}

	h.mu.Lock()
	h.next++
	client.seq = h.next
	client.controlled = h.claimed
	h.clients[client.ID] = client
	h.mu.Unlock()
	return client
}

// Unsubscribe removes the client and closes its mailbox. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(client.mailbox)
	}
}

// Claim takes control of every connected client and of all future ones.
// It returns the number of clients that were uncontrolled before the call.
func (h *Hub) Claim() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed = true
	claimed := 0
	for _, client := range h.clients {
		if !client.controlled {
			client.controlled = true
			claimed++
		}
	}
	return claimed
}

// MatchAll lists the clients of the given kind, optionally including
// uncontrolled ones, in connection order.
func (h *Hub) MatchAll(kind Kind, includeUncontrolled bool) []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.matchLocked(kind, includeUncontrolled)
}

func (h *Hub) matchLocked(kind Kind, includeUncontrolled bool) []ClientInfo {
	matched := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if client.Kind != kind {
			continue
		}
		if !client.controlled && !includeUncontrolled {
			continue
		}
		matched = append(matched, client)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]ClientInfo, len(matched))
	for i, client := range matched {
		out[i] = ClientInfo{
			ID:          client.ID,
			Kind:        client.Kind,
			Controlled:  client.controlled,
			ConnectedAt: client.ConnectedAt,
		}
	}
	return out
}

// Broadcast posts a version-update message to every window client, controlled
// or not, and returns how many mailboxes accepted it. It never blocks.
func (h *Hub) Broadcast(version string) int {
	msg := Message{Type: MessageTypeVersionUpdate, Version: version}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, info := range h.matchLocked(KindWindow, true) {
		client := h.clients[info.ID]
		select {
		case client.mailbox <- msg:
			delivered++
		default:
			dropped++
		}
	}

	if h.logger != nil {
		h.logger.WithFields(logrus.Fields{
			"action":    "broadcast_update",
			"version":   version,
			"delivered": delivered,
			"dropped":   dropped,
		}).Info("version_broadcast")
	}
	return delivered
}

// Count returns the number of connected clients of any kind.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes every client, ending their streams. It returns how many
// clients were connected.
func (h *Hub) Close() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	closed := len(h.clients)
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.mailbox)
	}
	return closed
}
