package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatflow/internal/types"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][]types.QueuedMessage
}

func (f *fakeInserter) InsertBatch(ctx context.Context, msgs []types.QueuedMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]types.QueuedMessage, len(msgs))
	copy(batch, msgs)
	f.batches = append(f.batches, batch)
	return int64(len(msgs)), nil
}

func (f *fakeInserter) totals() (batches int, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		rows += len(b)
	}
	return len(f.batches), rows
}

func testMessage(room int) types.QueuedMessage {
	return types.NewQueuedMessage(types.ChatMessage{
		UserID:      1,
		Username:    "abc",
		Message:     "hi",
		Timestamp:   "2025-01-01T00:00:00Z",
		MessageType: "TEXT",
		RoomID:      room,
	}, "1")
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	repo := &fakeInserter{}
	w := NewWriter(repo, 1, 5, time.Hour, zerolog.Nop())

	for i := 0; i < 5; i++ {
		require.True(t, w.Offer(testMessage(1)))
	}

	assert.Eventually(t, func() bool {
		batches, rows := repo.totals()
		return batches == 1 && rows == 5
	}, 2*time.Second, 10*time.Millisecond)

	w.Close(time.Second)
}

func TestWriterFlushesOnInterval(t *testing.T) {
	repo := &fakeInserter{}
	w := NewWriter(repo, 1, 1000, 50*time.Millisecond, zerolog.Nop())

	require.True(t, w.Offer(testMessage(1)))
	require.True(t, w.Offer(testMessage(2)))

	assert.Eventually(t, func() bool {
		_, rows := repo.totals()
		return rows == 2
	}, 2*time.Second, 10*time.Millisecond)

	w.Close(time.Second)
}

func TestWriterFinalFlushOnClose(t *testing.T) {
	repo := &fakeInserter{}
	w := NewWriter(repo, 2, 1000, time.Hour, zerolog.Nop())

	const n = 37
	for i := 0; i < n; i++ {
		require.True(t, w.Offer(testMessage(1)))
	}

	// Neither the batch size nor the interval has been reached; the close
	// drain must still land every row.
	w.Close(5 * time.Second)

	_, rows := repo.totals()
	assert.Equal(t, n, rows)
}

func TestWriterCloseIdempotent(t *testing.T) {
	repo := &fakeInserter{}
	w := NewWriter(repo, 1, 10, time.Hour, zerolog.Nop())

	w.Close(time.Second)
	w.Close(time.Second)
}
