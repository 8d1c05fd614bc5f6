package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub()
	c := &Client{roomID: 7}

	hub.Register(c)
	assert.Equal(t, 1, hub.RoomSize(7))
	assert.Contains(t, hub.Members(7), c)

	hub.Unregister(c)
	assert.Equal(t, 0, hub.RoomSize(7))
}

func TestHubUnregisterIdempotent(t *testing.T) {
	hub := NewHub()
	c := &Client{roomID: 3}

	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c)
	assert.Equal(t, 0, hub.RoomSize(3))
}

func TestHubIsolatesRooms(t *testing.T) {
	hub := NewHub()
	a := &Client{roomID: 1}
	b := &Client{roomID: 2}

	hub.Register(a)
	hub.Register(b)

	assert.Equal(t, 1, hub.RoomSize(1))
	assert.Equal(t, 1, hub.RoomSize(2))
	assert.NotContains(t, hub.Members(1), b)
}

func TestHubMembersUsableSnapshotType(t *testing.T) {
	hub := NewHub()
	c := &Client{roomID: 4}
	hub.Register(c)

	// Callers outside the package receive a plain map they can name.
	var snap map[*Client]struct{} = hub.Members(4)
	_, ok := snap[c]
	assert.True(t, ok)
}

func TestHubMembersOutOfRange(t *testing.T) {
	hub := NewHub()
	assert.Nil(t, hub.Members(0))
	assert.Nil(t, hub.Members(21))
}

// A snapshot taken before concurrent churn must stay stable while readers
// iterate it.
func TestHubSnapshotStableUnderChurn(t *testing.T) {
	hub := NewHub()
	stable := make([]*Client, 50)
	for i := range stable {
		stable[i] = &Client{roomID: 5}
		hub.Register(stable[i])
	}

	snapshot := hub.Members(5)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c := &Client{roomID: 5}
				hub.Register(c)
				hub.Unregister(c)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, snapshot, 50)
	assert.Equal(t, 50, hub.RoomSize(5))
}

func TestParseRoomPath(t *testing.T) {
	tests := []struct {
		path string
		room int
		ok   bool
	}{
		{"/chat/1", 1, true},
		{"/chat/20", 20, true},
		{"/chat/0", 0, false},
		{"/chat/21", 0, false},
		{"/chat/", 0, false},
		{"/chat/abc", 0, false},
		{"/chat/7/extra", 0, false},
		{"/other/7", 0, false},
	}
	for _, tt := range tests {
		room, ok := parseRoomPath(tt.path)
		assert.Equal(t, tt.ok, ok, "path %q", tt.path)
		if tt.ok {
			assert.Equal(t, tt.room, room, "path %q", tt.path)
		}
	}
}
