// chatflow-consumer drains the room queues: broadcast to the bus, persist
// through the batch writer, acknowledge in batches.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chatflow/internal/broker"
	"github.com/adred-codev/chatflow/internal/bus"
	"github.com/adred-codev/chatflow/internal/config"
	"github.com/adred-codev/chatflow/internal/consumer"
	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/metrics"
	"github.com/adred-codev/chatflow/internal/storage"
)

// Bus drain gets its own bound so an unreachable bus cannot eat into the DB
// writer's grace period.
const busDrainTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConsumer()
	if err != nil {
		bootLogger := logging.New("chatflow-consumer", "info", "json")
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := logging.New("chatflow-consumer", cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	conn, err := broker.Dial(cfg.Broker.URL(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer conn.Close()

	if err := conn.DeclareTopology(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to declare broker topology")
	}
	if cfg.PurgeQueuesOnStart {
		if err := conn.PurgeRoomQueues(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to purge room queues")
		}
	}

	busPub := bus.NewBatchPublisher(cfg.Bus.Addr(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writer *storage.Writer
	var repo *storage.Repository
	if cfg.EnablePersistence {
		repo, err = storage.NewRepository(ctx, cfg.DB.DSN(), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer repo.Close()

		if err := repo.EnsurePartitions(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to ensure partitions")
		}
		go repo.RunPartitionManager(ctx)

		writer = storage.NewWriter(repo, cfg.DBWriterThreads, cfg.DBBatchSize, cfg.DBFlushInterval(), logger)
	} else {
		logger.Warn().Msg("Persistence disabled, messages will not be stored")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"up"}`))
	})
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Consumer health server listening")
		if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
			logger.Error().Err(err).Msg("Health server failed")
		}
	}()

	c := consumer.New(conn, busPub, writer, consumer.Options{
		ConsumersPerRoom: cfg.ConsumersPerRoom,
		PrefetchCount:    cfg.PrefetchCount,
		AckBatchSize:     cfg.AckBatchSize,
	}, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Consumer stopped with error")
		}
	}()
	logger.Info().Msg("Consumer running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("Shutting down")

	// Order matters: stop dequeuing and flush final multi-acks, then let
	// the bus publisher and DB writer drain what they already hold.
	cancel()
	<-done
	if err := busPub.Close(busDrainTimeout); err != nil {
		logger.Warn().Err(err).Msg("Bus publisher close failed")
	}
	if writer != nil {
		writer.Close(cfg.ShutdownGrace)
	}
	logger.Info().Msg("Shutdown complete")
}
