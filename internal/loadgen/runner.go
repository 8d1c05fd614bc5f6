// Package loadgen implements the closed-loop load client: a generator over a
// bounded queue, sender workers with pooled connections, retry with
// exponential backoff, a circuit breaker, and a latency report.
package loadgen

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatflow/internal/config"
)

// Runner drives a full load test: an optional warmup phase that is not
// measured, then the main phase with stats collection.
type Runner struct {
	cfg    *config.LoadTest
	logger zerolog.Logger
}

// NewRunner builds a runner from config.
func NewRunner(cfg *config.LoadTest, logger zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Run executes both phases and emits the report. Returns the stats of the
// main phase.
func (r *Runner) Run(ctx context.Context) (*Stats, error) {
	pool := NewConnPool(r.cfg.ServerURL, r.logger)
	defer pool.Close()

	breaker := NewBreaker(r.logger)

	if r.cfg.WarmupMessages > 0 {
		r.logger.Info().Int("messages", r.cfg.WarmupMessages).Msg("Warmup phase")
		warmup := NewStats()
		r.runPhase(ctx, pool, breaker, warmup, r.cfg.WarmupMessages)
	}

	r.logger.Info().Int("messages", r.cfg.TotalMessages).Int("workers", r.cfg.Workers).Msg("Main phase")
	stats := NewStats()
	r.runPhase(ctx, pool, breaker, stats, r.cfg.TotalMessages)

	stats.Report(r.logger)
	if r.cfg.ReportCSV != "" {
		if err := stats.DumpCSV(r.cfg.ReportCSV); err != nil {
			return stats, err
		}
		r.logger.Info().Str("path", r.cfg.ReportCSV).Msg("Latency samples written")
	}
	return stats, nil
}

func (r *Runner) runPhase(ctx context.Context, pool *ConnPool, breaker *Breaker, stats *Stats, total int) {
	gen := NewGenerator(r.cfg.Rooms, r.cfg.Users, r.cfg.RatePerSecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gen.Run(ctx, total)
	}()

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			NewWorker(id, gen, pool, breaker, stats, r.logger).Run(ctx)
		}(i)
	}
	wg.Wait()
}
