package server

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/broker"
	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/metrics"
)

type publishReq struct {
	routingKey string
	body       []byte
	reply      chan error
}

// Publisher pushes client messages into the room queue fabric. It runs a
// fixed set of workers; each worker owns a confirm-mode channel that is
// never shared. A worker whose channel faults discards it and re-creates
// one lazily on its next publish.
//
// A publish counts as success when the local send returns without error;
// the confirm is not awaited.
type Publisher struct {
	conn   *broker.Conn
	logger zerolog.Logger

	reqs chan publishReq
	wg   sync.WaitGroup
	once sync.Once
}

// NewPublisher starts workers goroutines draining the request queue.
func NewPublisher(conn *broker.Conn, workers int, logger zerolog.Logger) *Publisher {
	p := &Publisher{
		conn:   conn,
		logger: logger,
		reqs:   make(chan publishReq, workers*4),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Publish sends body to the room queue and waits for the worker's verdict.
func (p *Publisher) Publish(ctx context.Context, roomID int, body []byte) error {
	req := publishReq{
		routingKey: broker.RoutingKey(roomID),
		body:       body,
		reply:      make(chan error, 1),
	}
	select {
	case p.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting publishes and waits for the workers to drain.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.reqs) })
	p.wg.Wait()
}

func (p *Publisher) worker(id int) {
	defer p.wg.Done()
	defer logging.RecoverPanic(p.logger, "publisher-worker")

	var ch *amqp.Channel
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for req := range p.reqs {
		if ch == nil {
			var err error
			ch, err = p.conn.ConfirmChannel()
			if err != nil {
				p.logger.Error().Err(err).Int("worker", id).Msg("Failed to open publish channel")
				req.reply <- fmt.Errorf("open channel: %w", err)
				continue
			}
		}

		err := ch.PublishWithContext(context.Background(),
			broker.Exchange,
			req.routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         req.body,
			})
		if err != nil {
			// Channel is suspect after any publish error. Drop it and
			// recreate on the next request.
			metrics.PublishFailures.Inc()
			p.logger.Error().Err(err).Int("worker", id).Msg("Broker publish failed")
			ch.Close()
			ch = nil
			req.reply <- fmt.Errorf("publish: %w", err)
			continue
		}

		metrics.MessagesPublished.Inc()
		req.reply <- nil
	}
}
