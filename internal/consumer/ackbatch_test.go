package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ackCall struct {
	tag      uint64
	multiple bool
	nack     bool
}

type fakeAcker struct {
	calls []ackCall
	err   error
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.calls = append(f.calls, ackCall{tag: tag, multiple: multiple})
	return f.err
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		panic("rejects must not requeue")
	}
	f.calls = append(f.calls, ackCall{tag: tag, multiple: multiple, nack: true})
	return f.err
}

func TestAckBatcherMultiAcksOnBatchFill(t *testing.T) {
	ch := &fakeAcker{}
	b := newAckBatcher(ch, 3)

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	assert.Empty(t, ch.calls)

	require.NoError(t, b.Add(3))
	require.Equal(t, []ackCall{{tag: 3, multiple: true}}, ch.calls)
	assert.Equal(t, 0, b.Pending())
}

func TestAckBatcherRejectFlushesPriorBatch(t *testing.T) {
	ch := &fakeAcker{}
	b := newAckBatcher(ch, 100)

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	require.NoError(t, b.Reject(3))

	// The pending run is acked up to tag 2 before tag 3 is rejected, so the
	// multi-ack never covers the rejected delivery.
	require.Equal(t, []ackCall{
		{tag: 2, multiple: true},
		{tag: 3, nack: true},
	}, ch.calls)
	assert.Equal(t, 0, b.Pending())
}

func TestAckBatcherRejectWithEmptyBatch(t *testing.T) {
	ch := &fakeAcker{}
	b := newAckBatcher(ch, 100)

	require.NoError(t, b.Reject(9))
	require.Equal(t, []ackCall{{tag: 9, nack: true}}, ch.calls)
}

func TestAckBatcherFlushOnExit(t *testing.T) {
	ch := &fakeAcker{}
	b := newAckBatcher(ch, 100)

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	require.NoError(t, b.Flush())

	require.Equal(t, []ackCall{{tag: 2, multiple: true}}, ch.calls)

	// A second flush with nothing pending is a no-op.
	require.NoError(t, b.Flush())
	assert.Len(t, ch.calls, 1)
}

func TestAckBatcherContinuesAfterBatch(t *testing.T) {
	ch := &fakeAcker{}
	b := newAckBatcher(ch, 2)

	require.NoError(t, b.Add(1))
	require.NoError(t, b.Add(2))
	require.NoError(t, b.Add(3))
	require.NoError(t, b.Add(4))

	require.Equal(t, []ackCall{
		{tag: 2, multiple: true},
		{tag: 4, multiple: true},
	}, ch.calls)
}
