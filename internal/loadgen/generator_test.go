package loadgen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/chatflow/internal/types"
)

func TestGeneratorProducesValidMessages(t *testing.T) {
	gen := NewGenerator(5, 100, 0)

	go gen.Run(context.Background(), 500)

	count := 0
	typeCounts := map[string]int{}
	for msg := range gen.Queue() {
		count++
		require.NoError(t, msg.Validate())
		assert.GreaterOrEqual(t, msg.RoomID, 1)
		assert.LessOrEqual(t, msg.RoomID, 5)
		assert.LessOrEqual(t, msg.UserID, 100)
		typeCounts[msg.MessageType]++
	}

	assert.Equal(t, 500, count)
	// 90/5/5 split; TEXT should dominate.
	assert.Greater(t, typeCounts[string(types.MessageTypeText)], typeCounts[string(types.MessageTypeJoin)])
	assert.Greater(t, typeCounts[string(types.MessageTypeText)], typeCounts[string(types.MessageTypeLeave)])
}

func TestGeneratorStopsOnCancel(t *testing.T) {
	gen := NewGenerator(1, 10, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Far more than the queue holds, so Run must block until cancelled.
		gen.Run(ctx, generatorQueueCap*3)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("generator did not stop after cancel")
	}
}

func TestGeneratorBackpressureSignal(t *testing.T) {
	gen := NewGenerator(1, 10, 0)
	assert.False(t, gen.Backpressure())

	go gen.Run(context.Background(), backpressureDepth+100)

	assert.Eventually(t, func() bool {
		return gen.Backpressure()
	}, 2*time.Second, 5*time.Millisecond)

	for range gen.Queue() {
	}
}
