package consumer

import (
	"github.com/adred-codev/chatflow/internal/metrics"
)

// deliveryAcker is the slice of the broker channel the batcher needs.
// amqp.Channel satisfies it.
type deliveryAcker interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// ackBatcher coalesces broker acknowledgements. Tags are tracked as
// deliveries complete; every batchSize deliveries one multi-ack covers the
// whole run. A multi-ack is only valid while no NACK has intervened, so a
// NACK first flushes the pending run up to the previous tag, then rejects
// the offending delivery alone.
//
// Tags on one channel are strictly increasing, which is what makes
// ack-up-to safe. Not safe for concurrent use; each worker owns one.
type ackBatcher struct {
	ch        deliveryAcker
	batchSize int

	pending uint64 // highest tag awaiting ack
	count   int    // deliveries since last ack
}

func newAckBatcher(ch deliveryAcker, batchSize int) *ackBatcher {
	return &ackBatcher{ch: ch, batchSize: batchSize}
}

// Add records a completed delivery and multi-acks when the batch fills.
func (b *ackBatcher) Add(tag uint64) error {
	b.pending = tag
	b.count++
	if b.count >= b.batchSize {
		return b.Flush()
	}
	return nil
}

// Reject flushes the pending run, then NACKs tag without requeue so the
// broker dead-letters it.
func (b *ackBatcher) Reject(tag uint64) error {
	if err := b.Flush(); err != nil {
		return err
	}
	if err := b.ch.Nack(tag, false, false); err != nil {
		return err
	}
	metrics.MessagesNacked.Inc()
	return nil
}

// Flush multi-acks everything tracked since the last ack. Called when the
// batch fills, before any NACK, and on worker exit.
func (b *ackBatcher) Flush() error {
	if b.count == 0 {
		return nil
	}
	if err := b.ch.Ack(b.pending, true); err != nil {
		return err
	}
	metrics.MessagesAcked.Add(float64(b.count))
	b.count = 0
	return nil
}

// Pending reports the deliveries awaiting the next multi-ack.
func (b *ackBatcher) Pending() int {
	return b.count
}
