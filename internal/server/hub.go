package server

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/chatflow/internal/broker"
	"github.com/adred-codev/chatflow/internal/metrics"
)

// Client is one registered socket. Gorilla connections allow a single
// concurrent writer, so every write goes through the client's mutex.
type Client struct {
	conn   *websocket.Conn
	roomID int

	writeMu sync.Mutex
	closed  atomic.Bool
}

// RoomID returns the room the client registered under.
func (c *Client) RoomID() int {
	return c.roomID
}

// WriteText writes one text frame. Safe for concurrent use.
func (c *Client) WriteText(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close shuts the socket. Idempotent.
func (c *Client) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.conn.Close()
	}
}

// memberSet is an immutable snapshot of a room's members. Mutations build a
// new map and swap the pointer, so broadcast readers never lock and never
// observe a partially-built set.
type memberSet map[*Client]struct{}

// Hub owns the edge membership state: every open connection is indexed under
// exactly one room. Writes happen on open and close only; reads happen on
// every broadcast, lock-free via atomic snapshot pointers.
type Hub struct {
	mu    sync.Mutex
	rooms [broker.NumRooms + 1]atomic.Pointer[memberSet]
}

// NewHub creates an empty hub with all room sets initialized.
func NewHub() *Hub {
	h := &Hub{}
	for i := range h.rooms {
		empty := memberSet{}
		h.rooms[i].Store(&empty)
	}
	return h
}

// Register adds a client to its room set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.rooms[c.roomID].Load()
	next := make(memberSet, len(cur)+1)
	for m := range cur {
		next[m] = struct{}{}
	}
	next[c] = struct{}{}
	h.rooms[c.roomID].Store(&next)
	metrics.Connections.Inc()
}

// Unregister removes a client from its room set. Idempotent.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := *h.rooms[c.roomID].Load()
	if _, ok := cur[c]; !ok {
		return
	}
	next := make(memberSet, len(cur)-1)
	for m := range cur {
		if m != c {
			next[m] = struct{}{}
		}
	}
	h.rooms[c.roomID].Store(&next)
	metrics.Connections.Dec()
}

// Members returns the current snapshot of a room's members. The returned set
// must not be mutated. Out-of-range rooms yield nil.
func (h *Hub) Members(roomID int) map[*Client]struct{} {
	if roomID < broker.MinRoom || roomID > broker.NumRooms {
		return nil
	}
	return *h.rooms[roomID].Load()
}

// RoomSize reports the member count of a room.
func (h *Hub) RoomSize(roomID int) int {
	return len(h.Members(roomID))
}

// Broadcast writes payload to every member of a room. Best-effort per
// connection: a failing socket is closed and dropped without blocking the
// rest.
func (h *Hub) Broadcast(roomID int, payload []byte) {
	for c := range h.Members(roomID) {
		if err := c.WriteText(payload); err != nil {
			metrics.BroadcastWriteFailures.Inc()
			c.Close()
			h.Unregister(c)
			continue
		}
		metrics.BroadcastsDelivered.Inc()
	}
}

// CloseAll closes every registered connection. Used during shutdown after
// the listener has stopped accepting.
func (h *Hub) CloseAll() {
	for room := broker.MinRoom; room <= broker.NumRooms; room++ {
		for c := range h.Members(room) {
			c.Close()
			h.Unregister(c)
		}
	}
}
