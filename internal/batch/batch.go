// Package batch accumulates opaque bytes into a fixed-capacity buffer and
// drives a flush through a Driver once full or on demand.
package batch

import (
	"context"
	"log/slog"
	"sync"
)

// Driver ships the accumulated bytes of one flush and reports how many
// bytes were committed versus left unsent. Implemented by
// internal/bulkcopy.Driver.
type Driver interface {
	Ship(ctx context.Context, data []byte) (processed, failed int, ok bool)
}

// Accumulator is a fixed-capacity byte buffer guarded by a single lock
// (batch_mutex in spec §5). Append never partial-appends: it either fits
// the whole argument or rejects it outright.
type Accumulator struct {
	mu     sync.Mutex
	buf    []byte
	pos    int
	driver Driver
	logger *slog.Logger
}

// New allocates an Accumulator with the given capacity in bytes.
func New(driver Driver, logger *slog.Logger, capacity int) *Accumulator {
	return &Accumulator{
		buf:    make([]byte, capacity),
		driver: driver,
		logger: logger,
	}
}

// Append copies p into the buffer and reports whether it fit. The caller's
// pattern on false is: flush, then retry append; a second false is fatal
// for that producer (spec §4.4).
func (a *Accumulator) Append(p []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pos+len(p) > len(a.buf) {
		return false
	}
	copy(a.buf[a.pos:], p)
	a.pos += len(p)
	return true
}

// Len returns the current write position.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

// Capacity returns the fixed buffer size.
func (a *Accumulator) Capacity() int {
	return len(a.buf)
}

// Flush drains the buffer through the driver. The lock is held only while
// copying the buffered bytes out and while resetting the position
// afterward, not for the duration of the driver call itself — the slow
// I/O happens outside the critical section (spec §5 reserves the
// lock-held-for-the-whole-call treatment for the shutdown path; see
// Drain). The position always resets to zero, even on failure.
func (a *Accumulator) Flush(ctx context.Context) (processed, failed int, ok bool) {
	a.mu.Lock()
	if a.pos == 0 {
		a.mu.Unlock()
		return 0, 0, true
	}
	data := make([]byte, a.pos)
	copy(data, a.buf[:a.pos])
	a.mu.Unlock()

	processed, failed, ok = a.driver.Ship(ctx, data)

	a.mu.Lock()
	a.pos = 0
	a.mu.Unlock()
	return processed, failed, ok
}

// Drain flushes any residual buffer at shutdown, holding batch_mutex for
// the entire operation (spec §4.7 request_shutdown: "under the batch
// lock, flush any residual buffer"). No other producer runs once shutdown
// has been requested, so holding the lock here costs nothing and matches
// the source's described behavior exactly.
func (a *Accumulator) Drain(ctx context.Context) (processed, failed int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pos == 0 {
		return 0, 0, true
	}
	data := make([]byte, a.pos)
	copy(data, a.buf[:a.pos])
	processed, failed, ok = a.driver.Ship(ctx, data)
	a.pos = 0
	return processed, failed, ok
}
