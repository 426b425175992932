// Package pool manages Hydrant's fixed-size set of database connections: a
// per-slot health state machine, contended acquire/release, and
// backoff-gated recovery of dead slots.
package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hydrant-io/hydrant/internal/stats"
)

// PreparedStatementName and PreparedStatementSQL are prepared on every slot
// at open time; the text must be byte-identical across slots (spec §8
// property 6).
const (
	PreparedStatementName = "hydrant_bulk_copy"
	PreparedStatementSQL  = `COPY original_copy(source_id, content, seq_num, checksum) FROM STDIN WITH (FORMAT binary)`
)

const (
	// DeadThreshold is the number of consecutive failed releases before a
	// slot transitions to DEAD (spec §4.3).
	DeadThreshold = 3

	// MaxRecoveryAttempts caps recovery attempts before a slot is
	// quarantined into PERMANENT_FAILURE.
	MaxRecoveryAttempts = 5

	// MaxBackoffAttempts caps the exponent in the recovery backoff formula.
	MaxBackoffAttempts = 6

	// RecoveryBackoffBaseMS is the base of the recovery backoff formula
	// (spec §4.3 step 4).
	RecoveryBackoffBaseMS = 200

	// acquireWaitTimeout bounds each wait on the pool's wake channel (spec
	// §4.3 step 3: "an absolute one-second deadline").
	acquireWaitTimeout = time.Second

	maxErrorLen = 256
)

// State is a pool slot's position in the four-state machine (spec §4.3).
type State int

const (
	Available State = iota
	InUse
	Dead
	PermanentFailure
)

func (s State) String() string {
	switch s {
	case Available:
		return "AVAILABLE"
	case InUse:
		return "IN_USE"
	case Dead:
		return "DEAD"
	case PermanentFailure:
		return "PERMANENT_FAILURE"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNoConnection is returned when acquire's bounded wait elapses
	// without a slot becoming available (spec §4.3 step 3).
	ErrNoConnection = errors.New("pool: no available connection")
	// ErrShuttingDown is returned when the shared shutdown flag is set and
	// no slot could be acquired.
	ErrShuttingDown = errors.New("pool: shutting down")
)

// Slot owns one connection handle and the state spec §3 requires: state,
// last-used timestamp, failed/recovery attempt counters, the next
// scheduled recovery time, and a bounded-length last error. Slot identity
// persists across recoveries; only the underlying connection is replaced.
type Slot struct {
	idx  int
	conn *pgx.Conn

	state               State
	lastUsed            time.Time
	failedAttempts      int
	recoveryAttempts    int
	nextRecoveryAttempt time.Time
	lastError           string
}

// Index is the slot's fixed position in the pool.
func (s *Slot) Index() int { return s.idx }

// State reports the slot's current state. Intended for diagnostics; callers
// coordinating with the pool's own invariants should go through Pool
// methods instead of inspecting slots directly.
func (s *Slot) State() State { return s.state }

// Handle is the caller-owned result of a successful Acquire. It must be
// passed to exactly one Release call.
type Handle struct {
	Slot *Slot
	Conn *pgx.Conn
}

// Options configures a new Pool.
type Options struct {
	DSN                    string
	Size                   int
	RequireSecureTransport bool
	Logger                 *slog.Logger
	Stats                  *stats.Stats
	// Shutdown is the orchestrator's shared shutdown flag. Acquire observes
	// it so that a pool with every slot dead doesn't wait forever past
	// shutdown (spec §5: "it terminates when the shutdown flag is observed").
	Shutdown *atomic.Bool
}

// Pool is a fixed-size set of connection slots guarded by a single mutex
// (pool_mutex in spec §5) plus a channel-based wake signal standing in for
// the spec's pool condition variable — idiomatic Go favors a close-and-
// replace notification channel over a cond var with no timeout support.
type Pool struct {
	mu     sync.Mutex
	waitCh chan struct{}

	slots []*Slot

	dsn           string
	requireSecure bool
	logger        *slog.Logger
	stats         *stats.Stats
	shutdown      *atomic.Bool

	healthy int
}

// New opens Size connections, preparing the bulk-copy statement on each. A
// slot that fails to open or prepare starts DEAD rather than aborting
// construction; only a pool with zero healthy slots is an error (spec
// §4.7 init sequence).
func New(ctx context.Context, opts Options) (*Pool, error) {
	p := &Pool{
		waitCh:        make(chan struct{}),
		dsn:           opts.DSN,
		requireSecure: opts.RequireSecureTransport,
		logger:        opts.Logger,
		stats:         opts.Stats,
		shutdown:      opts.Shutdown,
	}

	p.slots = make([]*Slot, opts.Size)
	for i := range p.slots {
		s := &Slot{idx: i}
		p.slots[i] = s

		conn, err := p.dial(ctx, s)
		if err != nil {
			s.state = Dead
			s.lastError = truncateError(err.Error())
			p.logger.Error("pool: initial connection failed, slot starts dead", "slot", i, "error", err)
			continue
		}
		s.conn = conn
		s.state = Available
		p.healthy++
	}

	if p.healthy == 0 {
		return nil, fmt.Errorf("pool: zero healthy connections at startup")
	}
	return p, nil
}

// dial opens and prepares one connection for slot s.
func (p *Pool) dial(ctx context.Context, s *Slot) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if p.requireSecure && !connectionIsSecure(conn) {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("connection did not negotiate a secure session")
	}
	if _, err := conn.Prepare(ctx, PreparedStatementName, PreparedStatementSQL); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("prepare bulk-copy statement: %w", err)
	}
	return conn, nil
}

func connectionIsSecure(conn *pgx.Conn) bool {
	_, ok := conn.PgConn().Conn().(*tls.Conn)
	return ok
}

// Acquire returns a handle to a healthy slot, transitioning it to IN_USE.
// It scans for an AVAILABLE slot, then attempts to recover a DEAD one, and
// if neither succeeds waits up to one second for a Release/Recover signal
// before retrying once more. Spec §4.3 step 3 treats this single bounded
// wait-and-retry as one acquire() call; a caller that needs to keep trying
// calls Acquire again (bulkcopy's Ship calls it once per flush).
//
// The shutdown flag only cuts short the wait/retry (spec §5: "it terminates
// when the shutdown flag is observed") — it never refuses a slot that's
// already sitting there AVAILABLE, since the final residual flush
// (request_shutdown, end-of-input) runs with the flag already set and must
// still be able to ship a batch to an idle slot.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if h := p.tryAcquireLocked(ctx); h != nil {
		p.mu.Unlock()
		return h, nil
	}
	if p.shutdown.Load() {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	waitCh := p.waitCh
	p.mu.Unlock()

	timer := time.NewTimer(acquireWaitTimeout)
	defer timer.Stop()
	select {
	case <-waitCh:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h := p.tryAcquireLocked(ctx); h != nil {
		return h, nil
	}
	if p.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	return nil, ErrNoConnection
}

// tryAcquireLocked implements acquisition steps 1 and 2. Must be called
// with p.mu held.
func (p *Pool) tryAcquireLocked(ctx context.Context) *Handle {
	for _, s := range p.slots {
		if s.state == Available {
			s.state = InUse
			s.lastUsed = time.Now()
			return &Handle{Slot: s, Conn: s.conn}
		}
	}
	for _, s := range p.slots {
		if s.state == Dead && p.recoverLocked(ctx, s) {
			s.state = InUse
			s.lastUsed = time.Now()
			return &Handle{Slot: s, Conn: s.conn}
		}
	}
	return nil
}

// Release returns a handle's slot to the pool. had_error marks the attempt
// that produced this handle as failed; failedAttempts resets to zero on a
// clean release and is bumped to DEAD at DeadThreshold. Must be called
// exactly once per Acquire.
//
// A slot the caller already transitioned to DEAD via MarkDead during the
// attempt (e.g. bulkcopy marking a broken connection dead mid-flush) stays
// DEAD here: nothing below DeadThreshold should resurrect a connection
// already known to be broken back to AVAILABLE.
func (p *Pool) Release(h *Handle, hadError bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := h.Slot
	if s.state == Dead || s.state == PermanentFailure {
		return
	}
	if hadError {
		s.failedAttempts++
		if s.failedAttempts >= DeadThreshold {
			p.markDeadLocked(s, "exceeded failed-attempt threshold")
			return
		}
	} else {
		s.failedAttempts = 0
	}
	s.state = Available
	p.broadcastLocked()
}

// MarkDead transitions a slot to DEAD. Idempotent: only the first
// transition into DEAD decrements the healthy counter and logs (spec
// §4.3, §8 round-trip property).
func (p *Pool) MarkDead(s *Slot, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markDeadLocked(s, reason)
}

func (p *Pool) markDeadLocked(s *Slot, reason string) {
	if s.state == Dead || s.state == PermanentFailure {
		return
	}
	s.state = Dead
	s.lastError = truncateError(reason)
	p.healthy--
	p.logger.Error("pool: slot marked dead", "slot", s.idx, "reason", reason)
	p.broadcastLocked()
}

// Recover attempts to re-establish a DEAD slot's connection, subject to
// backoff. Exported for tests; Acquire calls the locked variant directly
// while already holding p.mu.
func (p *Pool) Recover(ctx context.Context, s *Slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok := p.recoverLocked(ctx, s)
	if ok {
		s.state = Available
		p.broadcastLocked()
	}
	return ok
}

// recoverLocked implements the six-step recovery algorithm (spec §4.3).
// Must be called with p.mu held; on failure leaves the slot in DEAD, or
// moves it to PERMANENT_FAILURE once MaxRecoveryAttempts is reached; on
// success leaves the state for the caller to set to AVAILABLE/IN_USE
// (tryAcquireLocked sets IN_USE directly; Recover sets AVAILABLE).
func (p *Pool) recoverLocked(ctx context.Context, s *Slot) bool {
	now := time.Now()
	if now.Before(s.nextRecoveryAttempt) {
		return false
	}
	if s.recoveryAttempts >= MaxRecoveryAttempts {
		if s.state != PermanentFailure {
			s.state = PermanentFailure
			p.logger.Error("pool: slot permanently failed", "slot", s.idx, "recovery_attempts", s.recoveryAttempts)
		}
		return false
	}

	if s.conn != nil {
		_ = s.conn.Close(ctx)
		s.conn = nil
	}

	conn, err := p.dial(ctx, s)
	if err != nil {
		p.recordRecoveryFailureLocked(s, err.Error())
		return false
	}

	s.conn = conn
	s.failedAttempts = 0
	s.recoveryAttempts = 0
	s.nextRecoveryAttempt = time.Time{}
	s.lastError = ""
	p.healthy++
	p.stats.RecordConnectionReset()
	p.logger.Info("pool: slot recovered", "slot", s.idx)
	return true
}

func (p *Pool) recordRecoveryFailureLocked(s *Slot, errMsg string) {
	s.lastError = truncateError(errMsg)
	s.recoveryAttempts++

	backoffExp := s.recoveryAttempts
	if backoffExp > MaxBackoffAttempts {
		backoffExp = MaxBackoffAttempts
	}
	backoffMS := RecoveryBackoffBaseMS * (int64(1) << uint(backoffExp))
	s.nextRecoveryAttempt = time.Now().Add(time.Duration(backoffMS) * time.Millisecond)

	p.stats.RecordConnectionFailure()
	p.logger.Warn("pool: recovery attempt failed",
		"slot", s.idx, "recovery_attempts", s.recoveryAttempts, "error", errMsg)
}

func (p *Pool) broadcastLocked() {
	close(p.waitCh)
	p.waitCh = make(chan struct{})
}

// Counts returns the slot census for a status snapshot. Dead merges DEAD
// and PERMANENT_FAILURE, matching the single "dead" key in spec §6.
func (p *Pool) Counts() stats.ConnectionCounts {
	p.mu.Lock()
	defer p.mu.Unlock()

	var c stats.ConnectionCounts
	for _, s := range p.slots {
		switch s.state {
		case Available:
			c.Available++
		case InUse:
			c.InUse++
		case Dead, PermanentFailure:
			c.Dead++
		}
	}
	return c
}

// Healthy returns the count of slots not in DEAD or PERMANENT_FAILURE. The
// worker supervisor's low-health warning uses Counts and Size instead.
func (p *Pool) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Size returns the fixed slot count.
func (p *Pool) Size() int {
	return len(p.slots)
}

// Close releases every slot's underlying connection. Callers must ensure
// no Acquire/Release is in flight (the orchestrator calls this only after
// the batch buffer has been drained and workers joined).
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.conn != nil {
			_ = s.conn.Close(ctx)
			s.conn = nil
		}
	}
}

func truncateError(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
