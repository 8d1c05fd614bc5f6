// Package config loads and validates configuration for the three chatflow
// binaries. Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Broker holds the RabbitMQ connection settings shared by the edge server
// and the consumer. All fields are required; there is no sane default for a
// broker endpoint.
type Broker struct {
	Host string `env:"BROKER_HOST,required"`
	Port int    `env:"BROKER_PORT,required"`
	User string `env:"BROKER_USER,required"`
	Pass string `env:"BROKER_PASS,required"`
}

// URL renders the AMQP dial string.
func (b Broker) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", b.User, b.Pass, b.Host, b.Port)
}

// Bus holds the Redis pub/sub connection settings.
type Bus struct {
	Host string `env:"BUS_HOST,required"`
	Port int    `env:"BUS_PORT,required"`
}

// Addr renders host:port for the Redis client.
func (b Bus) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// DB holds the Postgres settings. Defaults target a local dev instance.
type DB struct {
	Host string `env:"DB_HOST" envDefault:"localhost"`
	Port int    `env:"DB_PORT" envDefault:"5432"`
	Name string `env:"DB_NAME" envDefault:"chatflow"`
	User string `env:"DB_USER" envDefault:"postgres"`
	Pass string `env:"DB_PASS" envDefault:"postgres"`
}

// DSN renders a pgx connection string.
func (d DB) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Pass, d.Host, d.Port, d.Name)
}

// Server configures the edge server binary.
type Server struct {
	Broker Broker
	Bus    Bus

	// HTTP listen address for the WebSocket endpoint plus /health and /metrics.
	Addr string `env:"SERVER_ADDR" envDefault:":8080"`

	// Number of publisher workers, each owning a confirm-mode broker channel.
	PublisherWorkers int `env:"PUBLISHER_WORKERS" envDefault:"8"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Consumer configures the consumer binary.
type Consumer struct {
	Broker Broker
	Bus    Bus
	DB     DB

	// HTTP listen address for /health and /metrics.
	Addr string `env:"CONSUMER_ADDR" envDefault:":8081"`

	// Broker QoS per channel; bounds in-flight deliveries per worker.
	PrefetchCount int `env:"PREFETCH_COUNT" envDefault:"100"`

	// Workers pinned to each room queue.
	ConsumersPerRoom int `env:"CONSUMERS_PER_ROOM" envDefault:"5"`

	// Deliveries between multi-acks.
	AckBatchSize int `env:"ACK_BATCH_SIZE" envDefault:"100"`

	DBBatchSize       int `env:"DB_BATCH_SIZE" envDefault:"1000"`
	DBFlushIntervalMS int `env:"DB_FLUSH_INTERVAL_MS" envDefault:"500"`
	DBWriterThreads   int `env:"DB_WRITER_THREADS" envDefault:"4"`

	// Skip the DB writer entirely when false.
	EnablePersistence bool `env:"ENABLE_PERSISTENCE" envDefault:"true"`

	// Purge room queues before declaring them. Dev/benchmark convenience.
	PurgeQueuesOnStart bool `env:"PURGE_QUEUES_ON_START" envDefault:"false"`

	// Upper bound on graceful shutdown, dominated by the DB drain.
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"60s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadTest configures the load client binary.
type LoadTest struct {
	// Base ws:// URL of the edge, without the /chat/{roomId} path.
	ServerURL string `env:"LOADTEST_SERVER_URL" envDefault:"ws://localhost:8080"`

	TotalMessages  int `env:"LOADTEST_MESSAGES" envDefault:"100000"`
	WarmupMessages int `env:"LOADTEST_WARMUP_MESSAGES" envDefault:"5000"`
	Workers        int `env:"LOADTEST_WORKERS" envDefault:"50"`
	Rooms          int `env:"LOADTEST_ROOMS" envDefault:"20"`
	Users          int `env:"LOADTEST_USERS" envDefault:"1000"`

	// Target send rate in messages/second; 0 disables the limiter.
	RatePerSecond int `env:"LOADTEST_RATE" envDefault:"0"`

	// CSV output path for the latency report; empty disables the dump.
	ReportCSV string `env:"LOADTEST_REPORT_CSV" envDefault:""`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"pretty"`
}

// DBFlushInterval returns the max wait before a short DB batch is flushed.
func (c *Consumer) DBFlushInterval() time.Duration {
	return time.Duration(c.DBFlushIntervalMS) * time.Millisecond
}

// LoadServer reads the edge server configuration.
// Priority: ENV vars > .env file > defaults.
func LoadServer() (*Server, error) {
	loadDotenv()
	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConsumer reads the consumer configuration.
func LoadConsumer() (*Consumer, error) {
	loadDotenv()
	cfg := &Consumer{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadLoadTest reads the load client configuration.
func LoadLoadTest() (*LoadTest, error) {
	loadDotenv()
	cfg := &LoadTest{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadDotenv loads a .env file if one exists. Missing files are fine; in
// production the environment is set directly.
func loadDotenv() {
	_ = godotenv.Load()
}

// Validate checks the edge server configuration for errors.
func (c *Server) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("SERVER_ADDR is required")
	}
	if c.PublisherWorkers < 1 {
		return fmt.Errorf("PUBLISHER_WORKERS must be > 0, got %d", c.PublisherWorkers)
	}
	return nil
}

// Validate checks the consumer configuration for errors.
func (c *Consumer) Validate() error {
	if c.PrefetchCount < 1 {
		return fmt.Errorf("PREFETCH_COUNT must be > 0, got %d", c.PrefetchCount)
	}
	if c.ConsumersPerRoom < 1 {
		return fmt.Errorf("CONSUMERS_PER_ROOM must be > 0, got %d", c.ConsumersPerRoom)
	}
	if c.AckBatchSize < 1 {
		return fmt.Errorf("ACK_BATCH_SIZE must be > 0, got %d", c.AckBatchSize)
	}
	if c.DBBatchSize < 1 {
		return fmt.Errorf("DB_BATCH_SIZE must be > 0, got %d", c.DBBatchSize)
	}
	if c.DBFlushIntervalMS < 1 {
		return fmt.Errorf("DB_FLUSH_INTERVAL_MS must be > 0, got %d", c.DBFlushIntervalMS)
	}
	if c.DBWriterThreads < 1 {
		return fmt.Errorf("DB_WRITER_THREADS must be > 0, got %d", c.DBWriterThreads)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("SHUTDOWN_GRACE must be > 0, got %s", c.ShutdownGrace)
	}
	return nil
}

// Validate checks the load client configuration for errors.
func (c *LoadTest) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("LOADTEST_SERVER_URL is required")
	}
	if c.TotalMessages < 1 {
		return fmt.Errorf("LOADTEST_MESSAGES must be > 0, got %d", c.TotalMessages)
	}
	if c.WarmupMessages < 0 {
		return fmt.Errorf("LOADTEST_WARMUP_MESSAGES must be >= 0, got %d", c.WarmupMessages)
	}
	if c.Workers < 1 {
		return fmt.Errorf("LOADTEST_WORKERS must be > 0, got %d", c.Workers)
	}
	if c.Rooms < 1 || c.Rooms > 20 {
		return fmt.Errorf("LOADTEST_ROOMS must be 1-20, got %d", c.Rooms)
	}
	if c.Users < 1 {
		return fmt.Errorf("LOADTEST_USERS must be > 0, got %d", c.Users)
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("LOADTEST_RATE must be >= 0, got %d", c.RatePerSecond)
	}
	return nil
}

// LogConfig emits the effective configuration at startup. Secrets are elided.
func (c *Server) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("broker_host", c.Broker.Host).
		Int("broker_port", c.Broker.Port).
		Str("bus_addr", c.Bus.Addr()).
		Int("publisher_workers", c.PublisherWorkers).
		Str("log_level", c.LogLevel).
		Msg("Server configuration")
}

// LogConfig emits the effective configuration at startup. Secrets are elided.
func (c *Consumer) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("broker_host", c.Broker.Host).
		Int("broker_port", c.Broker.Port).
		Str("bus_addr", c.Bus.Addr()).
		Str("db_host", c.DB.Host).
		Str("db_name", c.DB.Name).
		Int("prefetch_count", c.PrefetchCount).
		Int("consumers_per_room", c.ConsumersPerRoom).
		Int("ack_batch_size", c.AckBatchSize).
		Int("db_batch_size", c.DBBatchSize).
		Dur("db_flush_interval", c.DBFlushInterval()).
		Int("db_writer_threads", c.DBWriterThreads).
		Bool("enable_persistence", c.EnablePersistence).
		Bool("purge_queues_on_start", c.PurgeQueuesOnStart).
		Dur("shutdown_grace", c.ShutdownGrace).
		Msg("Consumer configuration")
}

// LogConfig emits the effective configuration at startup.
func (c *LoadTest) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("server_url", c.ServerURL).
		Int("total_messages", c.TotalMessages).
		Int("warmup_messages", c.WarmupMessages).
		Int("workers", c.Workers).
		Int("rooms", c.Rooms).
		Int("users", c.Users).
		Int("rate_per_second", c.RatePerSecond).
		Str("report_csv", c.ReportCSV).
		Msg("Load test configuration")
}
