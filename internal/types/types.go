// Package types defines the wire-level payloads that cross the chat pipeline:
// what clients send, what travels through the broker, what the bus fans out,
// and the ack/error envelopes the edge returns to senders.
package types

import (
	"fmt"
	"regexp"
	"time"
)

// Room bounds. Rooms are numbered logical channels; every message is routed
// to exactly one of them.
const (
	MinRoomID = 1
	MaxRoomID = 20
)

// User ID bounds. userId is self-asserted by the client (no authentication).
const (
	MinUserID = 1
	MaxUserID = 100000
)

// Message body length bounds in characters.
const (
	MinMessageLen = 1
	MaxMessageLen = 500
)

// MessageType classifies a chat message.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeJoin, MessageTypeLeave:
		return true
	}
	return false
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9]{3,20}$`)

// ChatMessage is the payload accepted from clients over the socket.
// All fields are required; see Validate for the exact rules.
type ChatMessage struct {
	UserID      int    `json:"userId"`
	Username    string `json:"username"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"messageType"`
	RoomID      int    `json:"roomId"`
}

// Validate checks the message against the ingress rules. Each violation
// produces a distinct, human-readable error string that is sent back to the
// client verbatim inside a VALIDATION_ERROR envelope.
func (m *ChatMessage) Validate() error {
	if m.UserID < MinUserID || m.UserID > MaxUserID {
		return fmt.Errorf("userId must be between %d and %d", MinUserID, MaxUserID)
	}
	if !usernamePattern.MatchString(m.Username) {
		return fmt.Errorf("username must be 3-20 alphanumeric characters")
	}
	if n := len([]rune(m.Message)); n < MinMessageLen || n > MaxMessageLen {
		return fmt.Errorf("message must be %d-%d characters", MinMessageLen, MaxMessageLen)
	}
	if m.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
		return fmt.Errorf("timestamp must be valid ISO-8601")
	}
	if !MessageType(m.MessageType).Valid() {
		return fmt.Errorf("messageType must be TEXT, JOIN, or LEAVE")
	}
	return nil
}

// QueuedMessage is what crosses the broker: the client payload plus the room
// it was routed to (duplicated so consumers never need the queue name to
// recover it) and the server ingress time in epoch milliseconds.
type QueuedMessage struct {
	ChatMessage       ChatMessage `json:"chatMessage"`
	RoomID            string      `json:"roomId"`
	ReceivedTimestamp int64       `json:"receivedTimestamp"`
}

// NewQueuedMessage stamps msg with the current ingress time.
func NewQueuedMessage(msg ChatMessage, roomID string) QueuedMessage {
	return QueuedMessage{
		ChatMessage:       msg,
		RoomID:            roomID,
		ReceivedTimestamp: time.Now().UnixMilli(),
	}
}

// BroadcastMessage is what crosses the bus. Denormalized for fast delivery:
// the edge writes the raw JSON to every room member without reparsing.
// Never persisted.
type BroadcastMessage struct {
	UserID          int    `json:"userId"`
	Username        string `json:"username"`
	Message         string `json:"message"`
	ClientTimestamp string `json:"clientTimestamp"`
	MessageType     string `json:"messageType"`
	RoomID          string `json:"roomId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// ChatResponse is the ack envelope returned to a sender after its message
// has been accepted by the broker.
type ChatResponse struct {
	UserID          int    `json:"userId"`
	Username        string `json:"username"`
	Message         string `json:"message"`
	ClientTimestamp string `json:"clientTimestamp"`
	MessageType     string `json:"messageType"`
	Status          string `json:"status"`
	ServerTimestamp string `json:"serverTimestamp"`
}

// StatusOK is the Status value of a successful ChatResponse.
const StatusOK = "OK"

// Error kinds carried by ErrorResponse.Error.
const (
	ErrParse      = "PARSE_ERROR"
	ErrValidation = "VALIDATION_ERROR"
	ErrQueue      = "QUEUE_ERROR"
)

// ErrorResponse is the reject envelope. Error is one of the Err* kinds,
// Message the human-readable detail.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewChatResponse builds the OK envelope for an accepted message.
func NewChatResponse(msg ChatMessage) ChatResponse {
	return ChatResponse{
		UserID:          msg.UserID,
		Username:        msg.Username,
		Message:         msg.Message,
		ClientTimestamp: msg.Timestamp,
		MessageType:     msg.MessageType,
		Status:          StatusOK,
		ServerTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewErrorResponse builds a reject envelope of the given kind.
func NewErrorResponse(kind, message string) ErrorResponse {
	return ErrorResponse{
		Error:     kind,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// NewBroadcastMessage denormalizes a queued message for bus delivery,
// stamping the processing time.
func NewBroadcastMessage(qm QueuedMessage) BroadcastMessage {
	return BroadcastMessage{
		UserID:          qm.ChatMessage.UserID,
		Username:        qm.ChatMessage.Username,
		Message:         qm.ChatMessage.Message,
		ClientTimestamp: qm.ChatMessage.Timestamp,
		MessageType:     qm.ChatMessage.MessageType,
		RoomID:          qm.RoomID,
		ServerTimestamp: time.Now().UnixMilli(),
	}
}
