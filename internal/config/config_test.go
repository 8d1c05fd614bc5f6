package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBrokerBusEnv(t *testing.T) {
	t.Setenv("BROKER_HOST", "rabbit.local")
	t.Setenv("BROKER_PORT", "5672")
	t.Setenv("BROKER_USER", "guest")
	t.Setenv("BROKER_PASS", "guest")
	t.Setenv("BUS_HOST", "redis.local")
	t.Setenv("BUS_PORT", "6379")
}

func TestLoadConsumerDefaults(t *testing.T) {
	setBrokerBusEnv(t)

	cfg, err := LoadConsumer()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "chatflow", cfg.DB.Name)
	assert.Equal(t, "postgres", cfg.DB.User)
	assert.Equal(t, 100, cfg.PrefetchCount)
	assert.Equal(t, 5, cfg.ConsumersPerRoom)
	assert.Equal(t, 1000, cfg.DBBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.DBFlushInterval())
	assert.Equal(t, 4, cfg.DBWriterThreads)
	assert.True(t, cfg.EnablePersistence)
	assert.False(t, cfg.PurgeQueuesOnStart)
	assert.Equal(t, 60*time.Second, cfg.ShutdownGrace)
}

func TestLoadConsumerRequiresBroker(t *testing.T) {
	t.Setenv("BUS_HOST", "redis.local")
	t.Setenv("BUS_PORT", "6379")

	_, err := LoadConsumer()
	assert.Error(t, err)
}

func TestLoadConsumerRejectsBadRanges(t *testing.T) {
	setBrokerBusEnv(t)
	t.Setenv("PREFETCH_COUNT", "0")

	_, err := LoadConsumer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREFETCH_COUNT")
}

func TestBrokerURL(t *testing.T) {
	b := Broker{Host: "rabbit.local", Port: 5672, User: "u", Pass: "p"}
	assert.Equal(t, "amqp://u:p@rabbit.local:5672/", b.URL())
}

func TestDBDSN(t *testing.T) {
	d := DB{Host: "db.local", Port: 5432, Name: "chatflow", User: "u", Pass: "p"}
	assert.Equal(t, "postgres://u:p@db.local:5432/chatflow", d.DSN())
}

func TestLoadServerDefaults(t *testing.T) {
	setBrokerBusEnv(t)

	cfg, err := LoadServer()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 8, cfg.PublisherWorkers)
	assert.Equal(t, "redis.local:6379", cfg.Bus.Addr())
}

func TestLoadLoadTestValidatesRooms(t *testing.T) {
	t.Setenv("LOADTEST_ROOMS", "21")

	_, err := LoadLoadTest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOADTEST_ROOMS")
}
