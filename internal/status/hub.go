package status

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"drivebackup/internal/events"
)

// clientBuffer is the number of pending events a websocket client may lag
// behind before it is disconnected.
const clientBuffer = 64

var _ events.Sink = (*Hub)(nil)

// Hub broadcasts events to connected websocket clients. Emit never blocks:
// a client whose buffer is full is dropped.
type Hub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "status_hub").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Emit encodes e once and queues it for every client.
func (h *Hub) Emit(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Msg("websocket client too slow, disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() *client {
	c := &client{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}
