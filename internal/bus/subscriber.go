// Package bus bridges the Redis pub/sub substrate: the edge subscribes to
// all room channels and fans deliveries out to local members, the consumer
// publishes processed messages through a batched pipeline.
package bus

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/metrics"
)

const (
	channelPrefix  = "chatroom:"
	ChannelPattern = "chatroom:*"

	reconnectDelay = 100 * time.Millisecond
)

// Channel returns the bus channel for a room.
func Channel(roomID string) string {
	return channelPrefix + roomID
}

// Broadcaster is the read-only fan-out handle the subscriber drives. The hub
// owns the membership state; the bridge only calls into it.
type Broadcaster interface {
	Broadcast(roomID int, payload []byte)
}

// Subscriber listens on the room channel pattern and delivers every payload
// to the local room members. It runs on a dedicated goroutine and reconnects
// forever at a fixed interval when the subscription drops.
type Subscriber struct {
	client *redis.Client
	hub    Broadcaster
	logger zerolog.Logger
	done   chan struct{}
}

// NewSubscriber wires a subscriber against the given bus address.
func NewSubscriber(addr string, hub Broadcaster, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		hub:    hub,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, resubscribing after every failure.
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.done)
	defer logging.RecoverPanic(s.logger, "bus-subscriber")

	for {
		s.subscribeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
			metrics.BusReconnects.Inc()
		}
	}
}

func (s *Subscriber) subscribeOnce(ctx context.Context) {
	pubsub := s.client.PSubscribe(ctx, ChannelPattern)
	defer pubsub.Close()

	s.logger.Info().Str("pattern", ChannelPattern).Msg("Bus subscription established")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn().Msg("Bus subscription lost")
				return
			}
			s.deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

// deliver extracts the room from the channel suffix and broadcasts the raw
// payload. Per-connection write failures are the hub's problem; a bus
// message is never marked failed.
func (s *Subscriber) deliver(channel string, payload []byte) {
	suffix, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return
	}
	roomID, err := strconv.Atoi(suffix)
	if err != nil {
		s.logger.Warn().Str("channel", channel).Msg("Unparseable room suffix on bus channel")
		return
	}
	s.hub.Broadcast(roomID, payload)
}

// Close releases the underlying client after Run has returned.
func (s *Subscriber) Close() error {
	<-s.done
	return s.client.Close()
}
