// chatflow-loadtest drives a closed-loop load test against the edge.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/chatflow/internal/config"
	"github.com/adred-codev/chatflow/internal/loadgen"
	"github.com/adred-codev/chatflow/internal/logging"
)

func main() {
	cfg, err := config.LoadLoadTest()
	if err != nil {
		bootLogger := logging.New("chatflow-loadtest", "info", "json")
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := logging.New("chatflow-loadtest", cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Warn().Msg("Interrupted, stopping")
		cancel()
	}()

	stats, err := loadgen.NewRunner(cfg, logger).Run(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Load test failed")
	}
	if stats.Failed.Load() > 0 {
		os.Exit(1)
	}
}
