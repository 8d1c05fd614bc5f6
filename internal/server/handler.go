// Package server implements the chat edge: WebSocket ingress at
// /chat/{roomId}, message validation, broker publish with ACK/NACK
// envelopes, and the room membership hub used by bus fan-out.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/broker"
	"github.com/adred-codev/chatflow/internal/metrics"
	"github.com/adred-codev/chatflow/internal/types"
)

// CloseInvalidRoom is sent when the connect path does not name a valid room.
const CloseInvalidRoom = 4000

const publishTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The edge is an open ingress; userId is self-asserted and there is no
	// origin-based trust model.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler accepts socket connections and runs the per-connection read loop.
type Handler struct {
	hub       *Hub
	publisher *Publisher
	logger    zerolog.Logger
}

// NewHandler wires the ingress handler.
func NewHandler(hub *Hub, publisher *Publisher, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, publisher: publisher, logger: logger}
}

// ServeHTTP upgrades /chat/{roomId} requests. A malformed or out-of-range
// room still completes the handshake, then closes with code 4000 so the
// client sees a protocol-level rejection rather than an HTTP error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseRoomPath(r.URL.Path)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Upgrade failed")
		return
	}

	if !ok {
		msg := websocket.FormatCloseMessage(CloseInvalidRoom, "invalid room")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	client := &Client{conn: conn, roomID: roomID}
	h.hub.Register(client)
	h.logger.Debug().Int("room", roomID).Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

	go h.readLoop(client)
}

// parseRoomPath extracts the room from /chat/{roomId}.
func parseRoomPath(path string) (int, bool) {
	rest, ok := strings.CutPrefix(path, "/chat/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	roomID, err := strconv.Atoi(rest)
	if err != nil || roomID < broker.MinRoom || roomID > broker.NumRooms {
		return 0, false
	}
	return roomID, true
}

func (h *Handler) readLoop(client *Client) {
	defer func() {
		client.Close()
		h.hub.Unregister(client)
		h.logger.Debug().Int("room", client.roomID).Msg("Client disconnected")
	}()

	for {
		msgType, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		metrics.MessagesReceived.Inc()
		h.handleMessage(client, payload)
	}
}

// handleMessage runs the ingress pipeline for one frame: parse, validate,
// publish, reply. Exactly one envelope goes back to the sender.
func (h *Handler) handleMessage(client *Client, payload []byte) {
	var msg types.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.RejectedMessages.WithLabelValues("parse").Inc()
		h.reply(client, types.NewErrorResponse(types.ErrParse, "invalid JSON"))
		return
	}

	if err := msg.Validate(); err != nil {
		metrics.RejectedMessages.WithLabelValues("validation").Inc()
		h.reply(client, types.NewErrorResponse(types.ErrValidation, err.Error()))
		return
	}

	// A socket observes exactly one room for its lifetime. A payload that
	// claims another room is a protocol violation, not a validation error.
	if msg.RoomID != client.roomID {
		msgBytes := websocket.FormatCloseMessage(CloseInvalidRoom, "room mismatch")
		_ = client.conn.WriteControl(websocket.CloseMessage, msgBytes, time.Now().Add(time.Second))
		client.Close()
		return
	}

	qm := types.NewQueuedMessage(msg, strconv.Itoa(client.roomID))
	body, err := json.Marshal(qm)
	if err != nil {
		h.reply(client, types.NewErrorResponse(types.ErrQueue, "failed to encode message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	err = h.publisher.Publish(ctx, client.roomID, body)
	cancel()
	if err != nil {
		// Nothing is retained; the client owns retry.
		metrics.RejectedMessages.WithLabelValues("queue").Inc()
		h.reply(client, types.NewErrorResponse(types.ErrQueue, "failed to queue message"))
		return
	}

	h.reply(client, types.NewChatResponse(msg))
}

func (h *Handler) reply(client *Client, envelope any) {
	out, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response envelope")
		return
	}
	if err := client.WriteText(out); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write response")
	}
}
