package loadgen

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Stats accumulates send outcomes and latency samples across workers.
type Stats struct {
	Sent      atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Retries   atomic.Int64
	Timeouts  atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	start     time.Time
}

// NewStats starts the clock.
func NewStats() *Stats {
	return &Stats{start: time.Now()}
}

// RecordLatency stores one successful round trip.
func (s *Stats) RecordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

// Percentile returns the p-th latency percentile over all samples, p in
// (0, 100].
func (s *Stats) Percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted))*p/100) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Report logs the final summary.
func (s *Stats) Report(logger zerolog.Logger) {
	elapsed := time.Since(s.start)
	succeeded := s.Succeeded.Load()

	logger.Info().
		Dur("elapsed", elapsed).
		Int64("sent", s.Sent.Load()).
		Int64("succeeded", succeeded).
		Int64("failed", s.Failed.Load()).
		Int64("retries", s.Retries.Load()).
		Int64("timeouts", s.Timeouts.Load()).
		Float64("throughput_per_sec", float64(succeeded)/elapsed.Seconds()).
		Dur("p50", s.Percentile(50)).
		Dur("p95", s.Percentile(95)).
		Dur("p99", s.Percentile(99)).
		Msg("Load test results")
}

// DumpCSV writes every latency sample to path, one row per sample.
func (s *Stats) DumpCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"sample", "latency_ms"}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.latencies {
		row := []string{
			fmt.Sprint(i),
			fmt.Sprintf("%.3f", float64(d.Microseconds())/1000),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
