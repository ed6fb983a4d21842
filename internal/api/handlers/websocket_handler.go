package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	ws "github.com/veldt-labs/opsplane/internal/websocket"
)

// WebSocketHandler upgrades HTTP connections into live event feed clients.
type WebSocketHandler struct {
	hub *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The admin-secret middleware already gates this route.
		return true
	},
}

// Serve handles the WebSocket connection request. An optional kinds query
// parameter (comma separated) narrows the feed.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	var kinds []string
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = strings.Split(raw, ",")
	}

	client := ws.NewClient(h.hub, conn, kinds)
	h.hub.Register <- client

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleIncomingWSMessage)
		h.hub.Unregister <- client
	}()
}

// handleIncomingWSMessage processes messages received from a feed client.
// The only supported action is replacing the kind filter.
func (h *WebSocketHandler) handleIncomingWSMessage(client *ws.Client, message []byte) {
	var msg ws.Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Error().Err(err).Bytes("message", message).Msg("Error decoding websocket message")
		return
	}

	switch msg.Action {
	case "subscribe":
		payload, ok := msg.Payload.(map[string]interface{})
		if !ok {
			client.Send <- ws.NewErrorMessage("Invalid payload for subscribe")
			return
		}
		var kinds []string
		if raw, ok := payload["kinds"].([]interface{}); ok {
			for _, k := range raw {
				if s, ok := k.(string); ok {
					kinds = append(kinds, s)
				}
			}
		}
		client.Subscribe(kinds)

	default:
		log.Warn().Str("action", msg.Action).Msg("Unknown websocket action received")
		client.Send <- ws.NewErrorMessage("Unknown action: " + msg.Action)
	}
}
