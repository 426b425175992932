// Package bulkcopy drives the COPY stream that ships one flushed batch into
// Postgres inside a single transaction, reporting the {WRITTEN, BACKPRESSURE,
// ERROR} result of each attempt.
//
// pgx's high-level pgx.CopyFrom expects a CopyFromSource that yields rows,
// not a raw byte stream, and gives no hook to bound how long a single COPY
// is allowed to block. This package instead calls pgconn's own CopyFrom
// directly against an io.Reader, with a write deadline set on the
// underlying net.Conn for the duration of the call: a deadline timeout is
// classified as BACKPRESSURE and retried with backoff; any other error
// marks the slot dead. pgconn.PgConn.CopyFrom is the same exported,
// documented entry point pgx.CopyFrom itself calls into, so this avoids
// reaching for the lower-level Frontend()/pgproto3 frame API entirely.
package bulkcopy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
)

const (
	// DefaultChunkSize scales the per-attempt write deadline (spec §4.5):
	// the deadline budget is writeDeadline per chunkSize-sized slice of the
	// batch, so a larger batch gets a proportionally longer window before a
	// stall is classified as backpressure.
	DefaultChunkSize = 8 * 1024

	// MaxConsecutiveBackpressure aborts the flush once more than this many
	// consecutive BACKPRESSURE attempts occur (spec §4.5 step 4, §7, §8 scenario 6).
	MaxConsecutiveBackpressure = 5

	// MaxBackoffAttempts caps the backpressure backoff exponent.
	MaxBackoffAttempts = 6

	// DefaultWriteDeadline is the per-chunk-equivalent write deadline used
	// to detect backpressure: a COPY that doesn't complete within its
	// scaled window is treated as the server's buffer being temporarily
	// full rather than a hard connection error.
	DefaultWriteDeadline = 250 * time.Millisecond
)

type chunkResult int

const (
	chunkWritten chunkResult = iota
	chunkBackpressure
	chunkError
)

// errBackpressureExceeded marks a flush that exhausted its backpressure
// retries; runCopy marks the slot dead before returning it.
var errBackpressureExceeded = errors.New("bulkcopy: backpressure exceeded max retries")

// Driver implements batch.Driver over a pool.Pool.
type Driver struct {
	pool          *pool.Pool
	stats         *stats.Stats
	logger        *slog.Logger
	chunkSize     int
	writeDeadline time.Duration
}

// New builds a Driver. chunkSize and writeDeadline fall back to their
// package defaults when zero.
func New(p *pool.Pool, st *stats.Stats, logger *slog.Logger, chunkSize int, writeDeadline time.Duration) *Driver {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if writeDeadline <= 0 {
		writeDeadline = DefaultWriteDeadline
	}
	return &Driver{pool: p, stats: st, logger: logger, chunkSize: chunkSize, writeDeadline: writeDeadline}
}

// Ship implements batch.Driver, executing spec §4.5 steps 1-10. A COPY
// attempt is all-or-nothing at the wire level, so on success the whole
// batch is processed and on failure the whole batch is failed — there is no
// partial-chunk accounting once the copy is driven through pgconn's own
// CopyFrom instead of hand-built frames.
func (d *Driver) Ship(ctx context.Context, data []byte) (processed, failed int, ok bool) {
	batchID := uuid.New()
	start := time.Now()

	handle, err := d.pool.Acquire(ctx)
	if err != nil {
		d.logger.Error("bulkcopy: acquire connection failed", "batch_id", batchID, "error", err)
		return 0, len(data), false
	}

	written, copyErr := d.runCopy(ctx, handle, data, batchID)
	ok = copyErr == nil
	if !ok {
		d.logger.Error("bulkcopy: flush failed", "batch_id", batchID, "error", copyErr, "written", written, "total", len(data))
	}

	processed = written
	failed = len(data) - written
	if failed < 0 {
		failed = 0
	}

	d.pool.Release(handle, !ok && !errors.Is(copyErr, errBackpressureExceeded))
	d.stats.RecordFlush(batchID, int64(processed), int64(failed), time.Since(start))

	return processed, failed, ok
}

// runCopy implements steps 2-7: a fresh BEGIN/COPY/COMMIT attempt per retry,
// marking the slot dead when BEGIN or COPY fails or when the batch exhausts
// its backpressure retries (spec §4.5). A COMMIT failure does not mark the
// slot dead here; it only counts against the slot through Release.
//
// Each backpressure retry gets its own BEGIN: a COPY interrupted by a
// write-deadline timeout leaves the transaction aborted server-side (any
// command issued against an open transaction after a failed statement is
// rejected until ROLLBACK), so retrying CopyFrom again inside the same
// transaction would never succeed — the whole BEGIN...COPY...ROLLBACK cycle
// has to restart, not just the copy.
func (d *Driver) runCopy(ctx context.Context, h *pool.Handle, data []byte, batchID uuid.UUID) (written int, err error) {
	pgConn := h.Conn.PgConn()
	netConn := pgConn.Conn()
	retries := 0

	for {
		if _, execErr := pgConn.Exec(ctx, "BEGIN").ReadAll(); execErr != nil {
			d.pool.MarkDead(h.Slot, "begin transaction: "+execErr.Error())
			return 0, fmt.Errorf("bulkcopy: begin transaction: %w", execErr)
		}

		deadline := d.writeDeadline * time.Duration(chunkCount(len(data), d.chunkSize))
		_ = netConn.SetWriteDeadline(time.Now().Add(deadline))
		_, copyErr := pgConn.CopyFrom(ctx, bytes.NewReader(data), pool.PreparedStatementSQL)
		_ = netConn.SetWriteDeadline(time.Time{})

		switch classifyChunkResult(copyErr) {
		case chunkWritten:
			if _, execErr := pgConn.Exec(ctx, "COMMIT").ReadAll(); execErr != nil {
				// The transaction is lost; this layer does not retry (at-most-once).
				return 0, fmt.Errorf("bulkcopy: commit: %w", execErr)
			}
			return len(data), nil

		case chunkBackpressure:
			d.rollback(ctx, pgConn)
			retries++
			if retries > MaxConsecutiveBackpressure {
				d.pool.MarkDead(h.Slot, "backpressure exceeded max retries")
				return 0, fmt.Errorf("%w: %d attempts", errBackpressureExceeded, retries)
			}
			d.logger.Warn("bulkcopy: backpressure, retrying batch", "batch_id", batchID, "attempt", retries, "bytes", len(data))

			backoffExp := retries
			if backoffExp > MaxBackoffAttempts {
				backoffExp = MaxBackoffAttempts
			}
			time.Sleep(time.Duration(int64(1)<<uint(backoffExp)) * time.Millisecond)

		case chunkError:
			d.rollback(ctx, pgConn)
			d.pool.MarkDead(h.Slot, "copy: "+copyErr.Error())
			return 0, fmt.Errorf("bulkcopy: copy: %w", copyErr)
		}
	}
}

func (d *Driver) rollback(ctx context.Context, pgConn *pgconn.PgConn) {
	if _, err := pgConn.Exec(ctx, "ROLLBACK").ReadAll(); err != nil {
		d.logger.Warn("bulkcopy: rollback failed (connection will be marked dead regardless)", "error", err)
	}
}

// chunkCount is the number of chunkSize-sized slices n bytes divides into,
// rounded up, with a floor of 1 so a zero-length batch still gets one
// deadline window's worth of budget.
func chunkCount(n, chunkSize int) int {
	count := (n + chunkSize - 1) / chunkSize
	if count < 1 {
		count = 1
	}
	return count
}

// classifyChunkResult distinguishes a transient write-deadline timeout
// (BACKPRESSURE) from any other send failure (ERROR).
func classifyChunkResult(err error) chunkResult {
	if err == nil {
		return chunkWritten
	}
	var netErr net.Error
	if asNetError(err, &netErr) && netErr.Timeout() {
		return chunkBackpressure
	}
	return chunkError
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
