package bus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/metrics"
)

const (
	publisherQueueCap = 10000
	pipelineBatchSize = 100
	pollInterval      = 10 * time.Millisecond
	offerTimeout      = 100 * time.Millisecond
	errorBackoff      = 100 * time.Millisecond
)

type outbound struct {
	channel string
	payload []byte
}

// BatchPublisher decouples bus publishes from consumer worker loops. Workers
// offer into a bounded queue; a single drainer builds pipelined batches of
// up to 100 publishes, flushing on batch fill or a 10 ms poll timeout.
// A failed flush is retried after a short sleep; queued messages are never
// dropped by the drainer.
type BatchPublisher struct {
	client *redis.Client
	logger zerolog.Logger

	queue chan outbound
	done  chan struct{}

	// Unix nanos of the drain deadline; zero until Close is called. Once
	// set, flush retries stop at the deadline instead of running forever.
	drainDeadline atomic.Int64
}

// NewBatchPublisher connects to the bus and starts the drainer.
func NewBatchPublisher(addr string, logger zerolog.Logger) *BatchPublisher {
	p := &BatchPublisher{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
		queue:  make(chan outbound, publisherQueueCap),
		done:   make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish offers one payload for the room channel. Blocks up to 100 ms when
// the queue is full; a timeout surfaces as an error so the caller can NACK.
func (p *BatchPublisher) Publish(roomID string, payload []byte) error {
	select {
	case p.queue <- outbound{channel: Channel(roomID), payload: payload}:
		metrics.BusQueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-time.After(offerTimeout):
		return fmt.Errorf("bus publish queue full")
	}
}

// Close stops accepting publishes and waits for the drainer to flush what
// remains, bounded by grace. With the bus unreachable the remainder is
// dropped at the deadline so shutdown never hangs on retries.
func (p *BatchPublisher) Close(grace time.Duration) error {
	p.drainDeadline.Store(time.Now().Add(grace).UnixNano())
	close(p.queue)
	<-p.done
	return p.client.Close()
}

func (p *BatchPublisher) drain() {
	defer close(p.done)
	defer logging.RecoverPanic(p.logger, "bus-publisher")

	batch := make([]outbound, 0, pipelineBatchSize)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= pipelineBatchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
			metrics.BusQueueDepth.Set(float64(len(p.queue)))
		}
	}
}

// flush publishes the batch through one pipeline round trip, retrying until
// it lands.
func (p *BatchPublisher) flush(batch []outbound) {
	if len(batch) == 0 {
		return
	}
	ctx := context.Background()
	for {
		pipe := p.client.Pipeline()
		for _, msg := range batch {
			pipe.Publish(ctx, msg.channel, msg.payload)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			metrics.BusPublishErrors.Inc()
			if dl := p.drainDeadline.Load(); dl != 0 && time.Now().UnixNano() > dl {
				metrics.BusDropped.Add(float64(len(batch)))
				p.logger.Error().Err(err).
					Int("dropped", len(batch)).
					Msg("Bus drain deadline exceeded, dropping batch")
				return
			}
			p.logger.Error().Err(err).Int("batch", len(batch)).Msg("Bus pipeline flush failed, retrying")
			time.Sleep(errorBackoff)
			continue
		}
		metrics.BusPublished.Add(float64(len(batch)))
		return
	}
}
