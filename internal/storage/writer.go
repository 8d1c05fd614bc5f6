package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/metrics"
	"github.com/adred-codev/chatflow/internal/types"
)

const (
	writerQueueCap  = 50000
	offerTimeout    = 100 * time.Millisecond
	slowBatchThresh = time.Second
)

// Inserter is the batch-insert surface the writer drains into. Repository
// satisfies it; tests substitute their own.
type Inserter interface {
	InsertBatch(ctx context.Context, msgs []types.QueuedMessage) (int64, error)
}

// Writer batches messages into the store. Consumer workers offer into a
// bounded queue; a fixed set of writer goroutines accumulate batches of
// batchSize or flushInterval, whichever fills first, and execute one batched
// insert per flush.
//
// Persistence is best-effort-after-ack: a full queue drops the message with
// a counter, and a failed batch is logged and lost. The broker has already
// acked by the time a message reaches this queue.
type Writer struct {
	repo   Inserter
	logger zerolog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan types.QueuedMessage
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewWriter starts writerCount goroutines draining the queue.
func NewWriter(repo Inserter, writerCount, batchSize int, flushInterval time.Duration, logger zerolog.Logger) *Writer {
	w := &Writer{
		repo:          repo,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queue:         make(chan types.QueuedMessage, writerQueueCap),
	}
	for i := 0; i < writerCount; i++ {
		w.wg.Add(1)
		go w.writerLoop(i)
	}
	return w
}

// Offer enqueues a message for persistence. Blocks up to 100 ms when the
// queue is full, then drops with a counter. Returns whether the message was
// accepted.
func (w *Writer) Offer(msg types.QueuedMessage) bool {
	select {
	case w.queue <- msg:
		metrics.DBQueueDepth.Set(float64(len(w.queue)))
		return true
	case <-time.After(offerTimeout):
		metrics.DBDropped.Inc()
		w.logger.Warn().
			Int("room", msg.ChatMessage.RoomID).
			Msg("DB write queue full, message dropped")
		return false
	}
}

// QueueDepth reports the messages currently waiting.
func (w *Writer) QueueDepth() int {
	return len(w.queue)
}

// Close stops accepting offers, drains the queue, and waits for every writer
// to perform its final flush, bounded by grace.
func (w *Writer) Close(grace time.Duration) {
	w.stopped.Do(func() { close(w.queue) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		w.logger.Error().
			Dur("grace", grace).
			Int("remaining", len(w.queue)).
			Msg("DB writer shutdown exceeded grace period")
	}
}

func (w *Writer) writerLoop(id int) {
	defer w.wg.Done()
	defer logging.RecoverPanic(w.logger, "db-writer")

	batch := make([]types.QueuedMessage, 0, w.batchSize)
	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-w.queue:
			if !ok {
				w.flush(id, batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= w.batchSize {
				w.flush(id, batch)
				batch = batch[:0]
				resetTimer(timer, w.flushInterval)
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(id, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushInterval)
		}
	}
}

// flush executes one batched insert. A failed batch is lost; the broker has
// already acked these deliveries.
func (w *Writer) flush(id int, batch []types.QueuedMessage) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	inserted, err := w.repo.InsertBatch(context.Background(), batch)
	elapsed := time.Since(start)

	if err != nil {
		metrics.DBBatchErrors.Inc()
		w.logger.Error().Err(err).
			Int("writer", id).
			Int("batch", len(batch)).
			Msg("Batch insert failed, batch lost")
		return
	}

	metrics.DBWritten.Add(float64(inserted))
	if elapsed > slowBatchThresh {
		w.logger.Warn().
			Int("writer", id).
			Int("batch", len(batch)).
			Dur("elapsed", elapsed).
			Msg("Slow batch insert")
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
