package websocket

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/veldt-labs/opsplane/internal/models"
)

// frame pairs a serialized message with the event kind it carries so the
// hub can apply per-client kind filters.
type frame struct {
	kind models.Kind
	data []byte
}

// Hub maintains the set of active clients and fans operational events out
// to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Serialized events awaiting fan-out.
	broadcast chan frame

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan frame, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// BroadcastEvent queues an event for fan-out. Safe to call from any
// goroutine; drops the event when the hub is saturated rather than
// blocking the event log append path.
func (h *Hub) BroadcastEvent(e models.Event) {
	data, err := json.Marshal(Message{Action: "event", Payload: e})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode event for websocket broadcast")
		return
	}
	select {
	case h.broadcast <- frame{kind: e.Kind, data: data}:
	default:
		log.Warn().Str("kind", string(e.Kind)).Msg("Websocket broadcast buffer full, dropping event")
	}
}

// Run starts the Hub's message processing loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			log.Info().Int("total_clients", len(h.clients)).Msg("Client connected")
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				log.Info().Int("total_clients", len(h.clients)).Msg("Client disconnected")
			}
		case f := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(f.kind) {
					continue
				}
				select {
				case client.Send <- f.data:
				default:
					close(client.Send)
					delete(h.clients, client)
				}
			}
		}
	}
}
