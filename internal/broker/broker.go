// Package broker manages the AMQP connection and the room queue topology.
//
// Topology: one direct exchange routes on the string form of roomId into one
// durable queue per room. Queues are bounded and dead-letter into a shared
// DLQ via a dedicated DLX exchange. Everything is declared idempotently at
// startup by both the edge server and the consumer.
package broker

import (
	"fmt"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	Exchange     = "chat.exchange"
	DLXExchange  = "chat.dlx.exchange"
	DLQueue      = "chat.dlq"
	DLRoutingKey = "dlq"

	// Per-room queue bound. Overflow dead-letters into the DLQ.
	MaxQueueLength = 50000

	MinRoom  = 1
	NumRooms = 20
)

// QueueName returns the broker queue for a room.
func QueueName(roomID int) string {
	return fmt.Sprintf("chat.room.%d", roomID)
}

// RoutingKey returns the routing key for a room.
func RoutingKey(roomID int) string {
	return strconv.Itoa(roomID)
}

// Conn wraps a single AMQP connection and hands out channels. Channels are
// not safe for concurrent use; callers own the channels they open.
type Conn struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker.
func Dial(url string, logger zerolog.Logger) (*Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}
	return &Conn{url: url, logger: logger, conn: conn}, nil
}

// Channel opens a new channel, redialing the connection first if it has been
// closed underneath us.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("broker redial: %w", err)
		}
		c.conn = conn
		c.logger.Warn().Msg("Broker connection re-established")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker channel: %w", err)
	}
	return ch, nil
}

// ConfirmChannel opens a channel with publisher confirms enabled.
func (c *Conn) ConfirmChannel() (*amqp.Channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	return ch, nil
}

// ConsumeChannel opens a channel with the given prefetch applied.
func (c *Conn) ConsumeChannel(prefetch int) (*amqp.Channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	return ch, nil
}

// Close shuts the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// DeclareTopology idempotently declares the exchange, the DLX, the DLQ, and
// every room queue with its binding.
func (c *Conn) DeclareTopology() error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", Exchange, err)
	}
	if err := ch.ExchangeDeclare(DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DLXExchange, err)
	}

	if _, err := ch.QueueDeclare(DLQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DLQueue, err)
	}
	if err := ch.QueueBind(DLQueue, DLRoutingKey, DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", DLQueue, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    DLXExchange,
		"x-dead-letter-routing-key": DLRoutingKey,
		"x-max-length":              int32(MaxQueueLength),
	}
	for room := 1; room <= NumRooms; room++ {
		name := QueueName(room)
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
		if err := ch.QueueBind(name, RoutingKey(room), Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}

	c.logger.Info().
		Int("rooms", NumRooms).
		Int("max_queue_length", MaxQueueLength).
		Msg("Broker topology declared")
	return nil
}

// PurgeRoomQueues empties every room queue. Benchmark convenience only; the
// queues must already exist.
func (c *Conn) PurgeRoomQueues() error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	total := 0
	for room := 1; room <= NumRooms; room++ {
		n, err := ch.QueuePurge(QueueName(room), false)
		if err != nil {
			return fmt.Errorf("purge %s: %w", QueueName(room), err)
		}
		total += n
	}
	c.logger.Info().Int("purged", total).Msg("Room queues purged")
	return nil
}
