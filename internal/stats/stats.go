// Package stats holds Hydrant's running counters and the batch stats ring,
// and renders the status snapshot the orchestrator exposes over HTTP.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BatchRecord is one entry in the stats ring: the outcome of a single flush.
type BatchRecord struct {
	BatchID        uuid.UUID
	ProcessedBytes int64
	FailedBytes    int64
	Timestamp      time.Time
}

// ConnectionCounts is the pool's slot census, as rendered into a status
// snapshot. Dead merges the pool's DEAD and PERMANENT_FAILURE states — the
// snapshot format (spec §6) carries a single "dead" bucket.
type ConnectionCounts struct {
	Available int   `json:"available"`
	InUse     int   `json:"in_use"`
	Dead      int   `json:"dead"`
	Resets    int64 `json:"resets"`
	Failures  int64 `json:"failures"`
}

// Snapshot is the JSON object get_detailed_status renders (spec §6).
type Snapshot struct {
	UptimeSeconds    float64          `json:"uptime_seconds"`
	TotalBytes       int64            `json:"total_bytes"`
	BatchesProcessed int64            `json:"batches_processed"`
	Errors           int64            `json:"errors"`
	AvgBatchTimeMS   float64          `json:"avg_batch_time_ms"`
	Connections      ConnectionCounts `json:"connections"`
	CurrentBatchSize int              `json:"current_batch_size"`
}

// Stats holds the running totals and the fixed-size batch ring under a
// single stats_mutex (spec §5). Connection reset/failure counters are
// incremented by the pool while pool_mutex is held, so they are plain
// atomics rather than stats_mutex-guarded fields: folding them into this
// mutex would force the pool to acquire stats_mutex while already holding
// pool_mutex, inverting the documented stats_mutex -> pool_mutex nesting
// order. The one place that holds both locks at once, Snapshot, still
// acquires stats_mutex first.
type Stats struct {
	mu sync.Mutex

	ring    []BatchRecord
	ringPos int

	totalBytes       int64
	batchesProcessed int64
	errors           int64
	avgBatchTimeMS   float64

	startTime     time.Time
	lastBatchTime time.Time

	connectionResets   atomic.Int64
	connectionFailures atomic.Int64
}

// New allocates a Stats with a ring of ringSize entries (spec §3: "N fixed
// at construction, e.g. 1000").
func New(ringSize int) *Stats {
	return &Stats{
		ring:      make([]BatchRecord, ringSize),
		startTime: time.Now(),
	}
}

// RecordFlush appends a ring entry and folds the outcome into the running
// totals. The rolling mean batch time is a running average
// (mean += (sample-mean)/n), which sidesteps the source's ring-index
// underflow on the first rollover entirely rather than special-casing it.
func (s *Stats) RecordFlush(batchID uuid.UUID, processed, failed int64, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.ring[s.ringPos] = BatchRecord{
		BatchID:        batchID,
		ProcessedBytes: processed,
		FailedBytes:    failed,
		Timestamp:      now,
	}
	s.ringPos = (s.ringPos + 1) % len(s.ring)

	s.totalBytes += processed
	s.batchesProcessed++
	if failed > 0 {
		s.errors++
	}
	s.lastBatchTime = now

	ms := float64(duration.Microseconds()) / 1000.0
	s.avgBatchTimeMS += (ms - s.avgBatchTimeMS) / float64(s.batchesProcessed)
}

// RecordConnectionReset counts one slot that returned to AVAILABLE via
// recovery (spec §4.3 step 6).
func (s *Stats) RecordConnectionReset() {
	s.connectionResets.Add(1)
}

// RecordConnectionFailure counts one failed recovery attempt (spec §4.3
// step 4).
func (s *Stats) RecordConnectionFailure() {
	s.connectionFailures.Add(1)
}

// ConnectionResets and ConnectionFailures expose the atomic counters
// directly for callers (worker summaries) that don't need a full Snapshot.
func (s *Stats) ConnectionResets() int64   { return s.connectionResets.Load() }
func (s *Stats) ConnectionFailures() int64 { return s.connectionFailures.Load() }

// SinceLastBatch reports how long it has been since the last recorded
// flush, used by the worker supervisor's 60-second summary check. A
// zero time.Time (no batch yet) reports the time since start.
func (s *Stats) SinceLastBatch() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastBatchTime.IsZero() {
		return time.Since(s.startTime)
	}
	return time.Since(s.lastBatchTime)
}

// Totals returns the batches-processed and errors counters, for the
// worker's periodic status summary log.
func (s *Stats) Totals() (batchesProcessed, errors int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchesProcessed, s.errors
}

// Snapshot renders the status JSON object. poolCounts is invoked while
// stats_mutex is held, giving the documented stats_mutex -> pool_mutex
// nesting order: the caller passes a closure over the pool's own Counts
// method rather than this package importing the pool package directly.
func (s *Stats) Snapshot(currentBatchSize int, poolCounts func() ConnectionCounts) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := poolCounts()
	counts.Resets = s.connectionResets.Load()
	counts.Failures = s.connectionFailures.Load()

	return Snapshot{
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		TotalBytes:       s.totalBytes,
		BatchesProcessed: s.batchesProcessed,
		Errors:           s.errors,
		AvgBatchTimeMS:   s.avgBatchTimeMS,
		Connections:      counts,
		CurrentBatchSize: currentBatchSize,
	}
}
