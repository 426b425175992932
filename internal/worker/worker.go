// Package worker runs Hydrant's background health/stats reporter threads.
package worker

import (
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hydrant-io/hydrant/internal/logging"
	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
)

const (
	// DefaultWorkerCount is the default deployment's worker count (spec
	// §4.6, §5).
	DefaultWorkerCount = 2

	statusSummaryInterval = 60 * time.Second
	tickInterval          = time.Second
)

// Supervisor spawns and joins the background worker loops. Each loop
// observes the shared shutdown flag and the pool/stats state; none of them
// mutate pipeline data, matching spec §5 ("N worker threads, pure
// observers").
type Supervisor struct {
	pool     *pool.Pool
	stats    *stats.Stats
	logger   *slog.Logger
	shutdown *atomic.Bool

	group   *errgroup.Group
	started atomic.Bool
}

// New builds a Supervisor. shutdown is the orchestrator's shared atomic
// shutdown flag, observed by every worker loop.
func New(p *pool.Pool, st *stats.Stats, logger *slog.Logger, shutdown *atomic.Bool) *Supervisor {
	return &Supervisor{pool: p, stats: st, logger: logger, shutdown: shutdown}
}

// Start spawns numWorkers background loops via errgroup.Group, the same
// bounded-fan-out primitive the wider codebase already reaches for (see
// DESIGN.md). Safe to call only once; a second call is a no-op.
func (s *Supervisor) Start(numWorkers int) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	if numWorkers <= 0 {
		numWorkers = DefaultWorkerCount
	}

	g := &errgroup.Group{}
	s.group = g
	for i := 0; i < numWorkers; i++ {
		workerID := i
		g.Go(func() error {
			s.loop(workerID)
			return nil
		})
	}
}

// Stop sets the shutdown flag and joins every worker loop. Idempotent: a
// second call observes the loops already exited and returns immediately.
func (s *Supervisor) Stop() {
	s.shutdown.Store(true)
	if s.group != nil {
		_ = s.group.Wait()
	}
}

// loop implements spec §4.6's per-worker body: a 60-second status summary,
// a low-health warning, and a one-second sleep, repeated until shutdown.
func (s *Supervisor) loop(workerID int) {
	logger := logging.WithThread(s.logger, workerIdentity(workerID))
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var lastSummary time.Time
	for !s.shutdown.Load() {
		if s.stats.SinceLastBatch() > statusSummaryInterval && time.Since(lastSummary) > statusSummaryInterval {
			batches, errs := s.stats.Totals()
			logger.Info("worker: status summary", "batches_processed", batches, "errors", errs)
			lastSummary = time.Now()
		}

		counts := s.pool.Counts()
		if counts.Dead > 0 && counts.Available < s.pool.Size()/2 {
			logger.Warn("worker: pool health degraded",
				"available", counts.Available, "dead", counts.Dead, "pool_size", s.pool.Size())
		}

		<-ticker.C
	}
}

func workerIdentity(id int) string {
	return "worker-" + strconv.Itoa(id)
}
