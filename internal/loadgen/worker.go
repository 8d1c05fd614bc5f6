package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/types"
)

const (
	maxAttempts    = 5
	baseBackoff    = 100 * time.Millisecond
	ackTimeout     = 15 * time.Second
	breakerBackoff = 100 * time.Millisecond
	pacingSleep    = 10 * time.Millisecond
)

// ackEnvelope covers both response shapes; exactly one of Status or Error is
// set on any given frame. Broadcast frames carry neither.
type ackEnvelope struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Worker drains the generator queue and drives the reliability envelope:
// pooled connections, breaker gate, bounded retry with exponential backoff,
// and ack correlation with timeout.
type Worker struct {
	id      int
	gen     *Generator
	pool    *ConnPool
	breaker *Breaker
	stats   *Stats
	logger  zerolog.Logger
}

// NewWorker wires one sender.
func NewWorker(id int, gen *Generator, pool *ConnPool, breaker *Breaker, stats *Stats, logger zerolog.Logger) *Worker {
	return &Worker{id: id, gen: gen, pool: pool, breaker: breaker, stats: stats, logger: logger}
}

// Run sends until the generator queue closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	defer logging.RecoverPanic(w.logger, "loadgen-worker")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.gen.Queue():
			if !ok {
				return
			}
			if w.gen.Backpressure() {
				time.Sleep(pacingSleep)
			}
			w.send(ctx, msg)
		}
	}
}

// send runs the retry loop for one message.
func (w *Worker) send(ctx context.Context, msg types.ChatMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		w.stats.Failed.Add(1)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// The breaker consumes no attempt; when open, wait and re-check.
		done, ok := w.breaker.Allow()
		for !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(breakerBackoff):
			}
			done, ok = w.breaker.Allow()
		}

		err := w.attempt(msg.RoomID, payload)
		done(err == nil)
		if err == nil {
			w.stats.Succeeded.Add(1)
			return
		}

		w.logger.Debug().Err(err).Int("attempt", attempt).Int("room", msg.RoomID).Msg("Send attempt failed")
		if attempt < maxAttempts {
			w.stats.Retries.Add(1)
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
	w.stats.Failed.Add(1)
}

// attempt sends once over a pooled connection and waits for the ack
// envelope. A timed-out or failed connection is closed, not returned.
func (w *Worker) attempt(roomID int, payload []byte) error {
	conn, err := w.pool.Get(roomID)
	if err != nil {
		return err
	}

	start := time.Now()
	w.stats.Sent.Add(1)
	if err := conn.Send(payload); err != nil {
		conn.Close()
		return fmt.Errorf("send: %w", err)
	}

	if err := w.awaitAck(conn); err != nil {
		conn.Close()
		return err
	}

	w.stats.RecordLatency(time.Since(start))
	w.pool.Put(conn)
	return nil
}

// awaitAck drains the connection's response queue until an ack or error
// envelope arrives. Broadcast frames from other senders are skipped.
func (w *Worker) awaitAck(conn *PooledConn) error {
	deadline := time.NewTimer(ackTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			w.stats.Timeouts.Add(1)
			return fmt.Errorf("ack timeout after %s", ackTimeout)
		case frame, ok := <-conn.Responses():
			if !ok {
				return fmt.Errorf("connection closed awaiting ack")
			}
			var env ackEnvelope
			if err := json.Unmarshal(frame, &env); err != nil {
				continue
			}
			switch {
			case env.Status == types.StatusOK:
				return nil
			case env.Error != "":
				return fmt.Errorf("rejected: %s", env.Error)
			default:
				// Broadcast frame; keep waiting.
			}
		}
	}
}
