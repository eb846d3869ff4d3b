// Package realtime fans queue events out to the sessions watching a doctor's
// queue.
package realtime

import (
	"expvar"
	"sync"

	"github.com/rs/zerolog"
)

var (
	deliveredMessages = expvar.NewInt("realtime_delivered_messages")
	droppedMessages   = expvar.NewInt("realtime_dropped_messages")
)

type Client struct {
	ID   string
	Send chan []byte

	doctors map[string]struct{}
	closed  bool
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{ID: id, Send: make(chan []byte, buffer), doctors: make(map[string]struct{})}
}

// Hub keeps one room per doctor. A client can sit in several rooms.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger.With().Str("component", "realtime").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister drops the client from every room and closes its Send channel.
// Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.closed {
		return
	}
	for doctorID := range client.doctors {
		h.removeFromRoom(doctorID, client.ID)
	}
	client.doctors = make(map[string]struct{})
	delete(h.clients, client.ID)
	client.closed = true
	close(client.Send)
}

// Join subscribes the client to a doctor's room. It reports false for a
// client that is not registered.
func (h *Hub) Join(client *Client, doctorID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	room, ok := h.rooms[doctorID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[doctorID] = room
	}
	room[client.ID] = client
	client.doctors[doctorID] = struct{}{}
	return true
}

func (h *Hub) Leave(client *Client, doctorID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := client.doctors[doctorID]; !ok {
		return
	}
	delete(client.doctors, doctorID)
	h.removeFromRoom(doctorID, client.ID)
}

func (h *Hub) removeFromRoom(doctorID, clientID string) {
	room := h.rooms[doctorID]
	delete(room, clientID)
	if len(room) == 0 {
		delete(h.rooms, doctorID)
	}
}

// Deliver hands payload to every client in the doctor's room without
// blocking. A client whose buffer is full misses the message. It returns the
// number of clients that received it.
func (h *Hub) Deliver(doctorID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.rooms[doctorID] {
		select {
		case client.Send <- payload:
			delivered++
		default:
			droppedMessages.Add(1)
			h.logger.Debug().Str("client_id", client.ID).Str("doctor_id", doctorID).Msg("drop message for slow client")
		}
	}
	deliveredMessages.Add(int64(delivered))
	return delivered
}

func (h *Hub) Subscribers(doctorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[doctorID])
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
