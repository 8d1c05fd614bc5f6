// Package consumer drains the per-room broker queues: each delivery is
// broadcast to the bus, offered to the batched DB writer, and acknowledged
// in batches. One worker runs per (room, replica) pair, pinned to its
// room's queue.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/broker"
	"github.com/adred-codev/chatflow/internal/bus"
	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/metrics"
	"github.com/adred-codev/chatflow/internal/storage"
	"github.com/adred-codev/chatflow/internal/types"
)

const statsInterval = 10 * time.Second

// Options bound the consumer's concurrency and batching.
type Options struct {
	ConsumersPerRoom int
	PrefetchCount    int
	AckBatchSize     int
}

// busPublisher is the slice of bus.BatchPublisher the pipeline needs.
type busPublisher interface {
	Publish(roomID string, payload []byte) error
}

// dbOfferer is the slice of storage.Writer the pipeline needs.
type dbOfferer interface {
	Offer(msg types.QueuedMessage) bool
	QueueDepth() int
}

// Consumer owns the worker fleet and its shared sinks.
type Consumer struct {
	conn   *broker.Conn
	busPub busPublisher
	writer dbOfferer // nil when persistence is disabled
	opts   Options
	logger zerolog.Logger

	processed atomic.Int64
	rejected  atomic.Int64
	dbDrops   atomic.Int64
}

// New assembles a consumer. writer may be nil to skip persistence.
func New(conn *broker.Conn, busPub *bus.BatchPublisher, writer *storage.Writer, opts Options, logger zerolog.Logger) *Consumer {
	c := &Consumer{
		conn:   conn,
		busPub: busPub,
		opts:   opts,
		logger: logger,
	}
	if writer != nil {
		c.writer = writer
	}
	return c
}

// Run starts every worker and blocks until ctx is cancelled and all workers
// have flushed their final multi-ack.
func (c *Consumer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for room := broker.MinRoom; room <= broker.NumRooms; room++ {
		for replica := 0; replica < c.opts.ConsumersPerRoom; replica++ {
			wg.Add(1)
			go func(room, replica int) {
				defer wg.Done()
				c.runWorker(ctx, room, replica)
			}(room, replica)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.logStats(ctx)
	}()

	wg.Wait()
	return nil
}

// runWorker keeps one (room, replica) consumer alive, reopening its channel
// after faults until ctx is cancelled.
func (c *Consumer) runWorker(ctx context.Context, room, replica int) {
	defer logging.RecoverPanic(c.logger, "consumer-worker")

	log := c.logger.With().Int("room", room).Int("replica", replica).Logger()
	for {
		if err := c.consumeOnce(ctx, room, replica, log); err != nil {
			log.Error().Err(err).Msg("Worker stopped, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, room, replica int, log zerolog.Logger) error {
	ch, err := c.conn.ConsumeChannel(c.opts.PrefetchCount)
	if err != nil {
		return err
	}
	defer ch.Close()

	tag := fmt.Sprintf("chatflow-consumer-%d-%d", room, replica)
	deliveries, err := ch.Consume(broker.QueueName(room), tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", broker.QueueName(room), err)
	}

	batcher := newAckBatcher(ch, c.opts.AckBatchSize)
	roomKey := broker.RoutingKey(room)

	for {
		select {
		case <-ctx.Done():
			// Remaining batched tags must be acked before exit or the
			// broker redelivers work we already broadcast.
			if err := batcher.Flush(); err != nil {
				log.Warn().Err(err).Msg("Final multi-ack failed, broker will redeliver")
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(d, roomKey, batcher, log)
		}
	}
}

// handleDelivery runs the 3-step pipeline: bus publish, DB offer, ack.
// A failed bus publish rejects the delivery; a failed DB offer does not.
func (c *Consumer) handleDelivery(d amqp.Delivery, roomKey string, batcher *ackBatcher, log zerolog.Logger) {
	metrics.MessagesConsumed.Inc()
	c.processed.Add(1)

	var qm types.QueuedMessage
	if err := json.Unmarshal(d.Body, &qm); err != nil {
		c.rejected.Add(1)
		log.Warn().Err(err).Msg("Undecodable delivery, dead-lettering")
		if err := batcher.Reject(d.DeliveryTag); err != nil {
			log.Warn().Err(err).Msg("Reject failed")
		}
		return
	}

	bm := types.NewBroadcastMessage(qm)
	payload, err := json.Marshal(bm)
	if err == nil {
		err = c.busPub.Publish(roomKey, payload)
	}
	if err != nil {
		c.rejected.Add(1)
		log.Warn().Err(err).Msg("Bus publish failed, rejecting for redelivery")
		if err := batcher.Reject(d.DeliveryTag); err != nil {
			log.Warn().Err(err).Msg("Reject failed")
		}
		return
	}

	if c.writer != nil {
		if !c.writer.Offer(qm) {
			c.dbDrops.Add(1)
		}
	}

	if err := batcher.Add(d.DeliveryTag); err != nil {
		// Channel is gone; deliveries are orphaned and the broker will
		// redeliver. The reconnect loop replaces the channel.
		log.Warn().Err(err).Msg("Multi-ack failed")
	}
}

// logStats emits a throughput summary every 10 seconds.
func (c *Consumer) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var lastProcessed int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed := c.processed.Load()
			ev := c.logger.Info().
				Int64("processed", processed).
				Int64("rejected", c.rejected.Load()).
				Int64("db_drops", c.dbDrops.Load()).
				Float64("rate_per_sec", float64(processed-lastProcessed)/statsInterval.Seconds())
			if c.writer != nil {
				ev = ev.Int("db_queue_depth", c.writer.QueueDepth())
			}
			ev.Msg("Consumer stats")
			lastProcessed = processed
		}
	}
}
