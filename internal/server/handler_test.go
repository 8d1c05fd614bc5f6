package server

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatflow/internal/types"
)

// newTestServer runs the handler without a broker; only ingress paths that
// reject before publishing are exercised here.
func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	h := NewHandler(hub, nil, zerolog.Nop())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dialRoom(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readError(t *testing.T, conn *websocket.Conn) types.ErrorResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	return resp
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
}

func TestHandlerClosesInvalidRoom(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/chat/0", "/chat/21", "/chat/abc", "/chat/"} {
		conn := dialRoom(t, srv, path)
		expectClose(t, conn, CloseInvalidRoom)
	}
}

func TestHandlerRegistersValidRoom(t *testing.T) {
	srv, hub := newTestServer(t)

	conn := dialRoom(t, srv, "/chat/7")
	assert.Eventually(t, func() bool {
		return hub.RoomSize(7) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool {
		return hub.RoomSize(7) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandlerRejectsMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRoom(t, srv, "/chat/7")

	// Repeated garbage gets one envelope each, with no publish attempted.
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"userId":`)))
		resp := readError(t, conn)
		assert.Equal(t, types.ErrParse, resp.Error)
	}
}

func TestHandlerRejectsInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRoom(t, srv, "/chat/7")

	msg := types.ChatMessage{
		UserID:      1,
		Username:    "x", // too short
		Message:     "hi",
		Timestamp:   "2025-01-01T00:00:00Z",
		MessageType: "TEXT",
		RoomID:      7,
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	resp := readError(t, conn)
	assert.Equal(t, types.ErrValidation, resp.Error)
	assert.Equal(t, "username must be 3-20 alphanumeric characters", resp.Message)
}

func TestHandlerClosesOnRoomMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialRoom(t, srv, "/chat/8")

	msg := types.ChatMessage{
		UserID:      1,
		Username:    "abc",
		Message:     "hi",
		Timestamp:   "2025-01-01T00:00:00Z",
		MessageType: "TEXT",
		RoomID:      7,
	}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	expectClose(t, conn, CloseInvalidRoom)
}
