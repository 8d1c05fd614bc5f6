package loadgen

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterTenConsecutiveFailures(t *testing.T) {
	b := NewBreaker(zerolog.Nop())

	for i := 0; i < 10; i++ {
		done, ok := b.Allow()
		require.True(t, ok, "attempt %d should be admitted", i)
		done(false)
	}

	assert.Equal(t, gobreaker.StateOpen, b.State())
	_, ok := b.Allow()
	assert.False(t, ok, "open breaker must refuse requests")
}

func trip(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 10; i++ {
		done, ok := b.Allow()
		require.True(t, ok)
		done(false)
	}
	require.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := newBreaker(50*time.Millisecond, zerolog.Nop())
	trip(t, b)

	_, ok := b.Allow()
	require.False(t, ok)

	// After the open timeout, probes are admitted; five consecutive
	// successes close the breaker again.
	time.Sleep(80 * time.Millisecond)
	for i := 0; i < 5; i++ {
		done, ok := b.Allow()
		require.True(t, ok, "probe %d should be admitted", i)
		done(true)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())

	done, ok := b.Allow()
	require.True(t, ok)
	done(true)
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := newBreaker(50*time.Millisecond, zerolog.Nop())
	trip(t, b)

	time.Sleep(80 * time.Millisecond)
	done, ok := b.Allow()
	require.True(t, ok)
	done(false)

	assert.Equal(t, gobreaker.StateOpen, b.State())
	_, ok = b.Allow()
	assert.False(t, ok)
}

func TestBreakerSuccessClearsFailureRun(t *testing.T) {
	b := NewBreaker(zerolog.Nop())

	for i := 0; i < 9; i++ {
		done, ok := b.Allow()
		require.True(t, ok)
		done(false)
	}

	done, ok := b.Allow()
	require.True(t, ok)
	done(true)

	// The run restarted; nine more failures must not trip it.
	for i := 0; i < 9; i++ {
		done, ok := b.Allow()
		require.True(t, ok)
		done(false)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}
