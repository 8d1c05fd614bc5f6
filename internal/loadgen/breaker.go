package loadgen

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	breakerFailureThreshold = 10
	breakerSuccessThreshold = 5
	breakerOpenTimeout      = 10 * time.Second
)

// Breaker gates send attempts during broker or edge outages. Three states:
// 10 consecutive failures open it, after the open timeout it admits probes,
// and 5 consecutive probe successes close it again. A success while closed
// clears the failure run.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker builds the breaker with the standard thresholds.
func NewBreaker(logger zerolog.Logger) *Breaker {
	return newBreaker(breakerOpenTimeout, logger)
}

// newBreaker takes the open timeout as a parameter so the recovery
// transitions are testable without real-time waits.
func newBreaker(openTimeout time.Duration, logger zerolog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        "loadtest",
		MaxRequests: breakerSuccessThreshold,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow reports whether an attempt may proceed. When it may, the returned
// done func must be called with the attempt's outcome.
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}

// State exposes the current breaker state for reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
