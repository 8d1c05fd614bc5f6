package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() ChatMessage {
	return ChatMessage{
		UserID:      1,
		Username:    "abc",
		Message:     "hi",
		Timestamp:   "2025-01-01T00:00:00Z",
		MessageType: "TEXT",
		RoomID:      7,
	}
}

func TestValidateAccepts(t *testing.T) {
	msg := validMessage()
	require.NoError(t, msg.Validate())
}

func TestValidateUserIDBounds(t *testing.T) {
	tests := []struct {
		userID int
		ok     bool
	}{
		{0, false},
		{1, true},
		{100000, true},
		{100001, false},
	}
	for _, tt := range tests {
		msg := validMessage()
		msg.UserID = tt.userID
		err := msg.Validate()
		if tt.ok {
			assert.NoError(t, err, "userId %d", tt.userID)
		} else {
			assert.EqualError(t, err, "userId must be between 1 and 100000")
		}
	}
}

func TestValidateUsernameBounds(t *testing.T) {
	tests := []struct {
		username string
		ok       bool
	}{
		{"ab", false},
		{"abc", true},
		{strings.Repeat("a", 20), true},
		{strings.Repeat("a", 21), false},
		{"has space", false},
		{"tÿpø", false},
	}
	for _, tt := range tests {
		msg := validMessage()
		msg.Username = tt.username
		err := msg.Validate()
		if tt.ok {
			assert.NoError(t, err, "username %q", tt.username)
		} else {
			assert.EqualError(t, err, "username must be 3-20 alphanumeric characters")
		}
	}
}

func TestValidateMessageBounds(t *testing.T) {
	tests := []struct {
		length int
		ok     bool
	}{
		{0, false},
		{1, true},
		{500, true},
		{501, false},
	}
	for _, tt := range tests {
		msg := validMessage()
		msg.Message = strings.Repeat("x", tt.length)
		err := msg.Validate()
		if tt.ok {
			assert.NoError(t, err, "length %d", tt.length)
		} else {
			assert.EqualError(t, err, "message must be 1-500 characters")
		}
	}
}

func TestValidateTimestamp(t *testing.T) {
	msg := validMessage()
	msg.Timestamp = "not-a-date"
	assert.EqualError(t, msg.Validate(), "timestamp must be valid ISO-8601")

	msg.Timestamp = ""
	assert.EqualError(t, msg.Validate(), "timestamp is required")
}

func TestValidateMessageType(t *testing.T) {
	for _, mt := range []string{"TEXT", "JOIN", "LEAVE"} {
		msg := validMessage()
		msg.MessageType = mt
		assert.NoError(t, msg.Validate())
	}

	msg := validMessage()
	msg.MessageType = "SHOUT"
	assert.EqualError(t, msg.Validate(), "messageType must be TEXT, JOIN, or LEAVE")
}

func TestNewQueuedMessageStampsIngress(t *testing.T) {
	before := time.Now().UnixMilli()
	qm := NewQueuedMessage(validMessage(), "7")
	after := time.Now().UnixMilli()

	assert.Equal(t, "7", qm.RoomID)
	assert.GreaterOrEqual(t, qm.ReceivedTimestamp, before)
	assert.LessOrEqual(t, qm.ReceivedTimestamp, after)
}

func TestNewChatResponse(t *testing.T) {
	msg := validMessage()
	resp := NewChatResponse(msg)

	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, msg.UserID, resp.UserID)
	assert.Equal(t, msg.Timestamp, resp.ClientTimestamp)

	_, err := time.Parse(time.RFC3339Nano, resp.ServerTimestamp)
	assert.NoError(t, err)
}

func TestNewBroadcastMessageDenormalizes(t *testing.T) {
	qm := NewQueuedMessage(validMessage(), "7")
	bm := NewBroadcastMessage(qm)

	assert.Equal(t, qm.ChatMessage.UserID, bm.UserID)
	assert.Equal(t, qm.ChatMessage.Message, bm.Message)
	assert.Equal(t, qm.ChatMessage.Timestamp, bm.ClientTimestamp)
	assert.Equal(t, "7", bm.RoomID)
	assert.NotZero(t, bm.ServerTimestamp)
}

func TestEnvelopeWireShape(t *testing.T) {
	out, err := json.Marshal(NewErrorResponse(ErrParse, "invalid JSON"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "PARSE_ERROR", decoded["error"])
	assert.Equal(t, "invalid JSON", decoded["message"])
	assert.Contains(t, decoded, "timestamp")
}
