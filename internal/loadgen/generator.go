package loadgen

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/adred-codev/chatflow/internal/types"
)

const (
	generatorQueueCap = 10000

	// Queue depth past which senders ease off.
	backpressureDepth = 5000
)

// Canned chat lines so payloads look like traffic instead of noise.
var messagePool = []string{
	"Hello everyone!",
	"How is it going?",
	"Anyone up for a game later?",
	"Did you see the match yesterday?",
	"brb, grabbing coffee",
	"That was hilarious",
	"Can someone share the link again?",
	"I agree with that",
	"Not sure about this one",
	"Good morning all",
	"See you tomorrow",
	"What time does it start?",
	"Nice work on the release!",
	"This room is busy today",
	"lol",
}

// Generator produces random chat messages into a bounded queue drained by
// the sender workers. Message mix is 90% TEXT, 5% JOIN, 5% LEAVE.
type Generator struct {
	rooms   int
	users   int
	limiter *rate.Limiter

	queue chan types.ChatMessage
}

// NewGenerator builds a generator over the given room and user populations.
// ratePerSecond of 0 disables shaping.
func NewGenerator(rooms, users, ratePerSecond int) *Generator {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond/10+1)
	}
	return &Generator{
		rooms:   rooms,
		users:   users,
		limiter: limiter,
		queue:   make(chan types.ChatMessage, generatorQueueCap),
	}
}

// Queue exposes the message queue to workers.
func (g *Generator) Queue() <-chan types.ChatMessage {
	return g.queue
}

// Backpressure reports whether senders should pace themselves.
func (g *Generator) Backpressure() bool {
	return len(g.queue) > backpressureDepth
}

// Run produces total messages then closes the queue. Blocks when the queue
// is full; returns early on ctx cancellation.
func (g *Generator) Run(ctx context.Context, total int) {
	defer close(g.queue)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < total; i++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case g.queue <- g.next(rng):
		case <-ctx.Done():
			return
		}
	}
}

func (g *Generator) next(rng *rand.Rand) types.ChatMessage {
	userID := rng.Intn(g.users) + 1

	var msgType types.MessageType
	var body string
	switch roll := rng.Intn(100); {
	case roll < 90:
		msgType = types.MessageTypeText
		body = messagePool[rng.Intn(len(messagePool))]
	case roll < 95:
		msgType = types.MessageTypeJoin
		body = "joined the room"
	default:
		msgType = types.MessageTypeLeave
		body = "left the room"
	}

	return types.ChatMessage{
		UserID:      userID,
		Username:    fmt.Sprintf("user%d", userID),
		Message:     body,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MessageType: string(msgType),
		RoomID:      rng.Intn(g.rooms) + 1,
	}
}
