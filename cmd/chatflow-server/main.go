// chatflow-server is the edge: it terminates client WebSockets, validates
// and publishes inbound messages to the room queue fabric, and fans bus
// deliveries out to local room members.
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
	"github.com/adred-codev/chatflow/internal/logging"
	"github.com/adred-codev/chatflow/internal/metrics"
	"github.com/adred-codev/chatflow/internal/server"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		bootLogger := logging.New("chatflow-server", "info", "json")
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := logging.New("chatflow-server", cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	conn, err := broker.Dial(cfg.Broker.URL(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer conn.Close()

	if err := conn.DeclareTopology(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to declare broker topology")
	}

	hub := server.NewHub()
	publisher := server.NewPublisher(conn, cfg.PublisherWorkers, logger)
	handler := server.NewHandler(hub, publisher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	subscriber := bus.NewSubscriber(cfg.Bus.Addr(), hub, logger)
	go subscriber.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/chat/", handler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"up"}`))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Edge server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("Shutting down")

	// Stop accepting sockets, close the open ones, then tear down the
	// subscriber and broker.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	hub.CloseAll()
	cancel()
	if err := subscriber.Close(); err != nil {
		logger.Warn().Err(err).Msg("Bus subscriber close failed")
	}
	publisher.Close()
	logger.Info().Msg("Shutdown complete")
}
