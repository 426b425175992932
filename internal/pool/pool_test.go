package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrant-io/hydrant/internal/logging"
	"github.com/hydrant-io/hydrant/internal/stats"
)

func newTestPool(slots ...*Slot) *Pool {
	for i, s := range slots {
		s.idx = i
	}
	healthy := 0
	for _, s := range slots {
		if s.state != Dead && s.state != PermanentFailure {
			healthy++
		}
	}
	return &Pool{
		waitCh:   make(chan struct{}),
		slots:    slots,
		logger:   logging.Default(),
		stats:    stats.New(16),
		shutdown: &atomic.Bool{},
		healthy:  healthy,
	}
}

func TestMarkDeadIsIdempotent(t *testing.T) {
	p := newTestPool(&Slot{state: Available})
	s := p.slots[0]

	p.MarkDead(s, "boom")
	assert.Equal(t, Dead, s.state)
	assert.Equal(t, 0, p.healthy)

	p.MarkDead(s, "boom again")
	assert.Equal(t, 0, p.healthy, "second mark_dead must not double-decrement the healthy counter")
}

func TestMarkDeadOnPermanentFailureIsNoop(t *testing.T) {
	p := newTestPool(&Slot{state: PermanentFailure})
	p.MarkDead(p.slots[0], "irrelevant")
	assert.Equal(t, PermanentFailure, p.slots[0].state)
}

func TestReleaseCleanResetsFailedAttempts(t *testing.T) {
	p := newTestPool(&Slot{state: InUse, failedAttempts: 2})
	h := &Handle{Slot: p.slots[0]}

	p.Release(h, false)

	assert.Equal(t, Available, p.slots[0].state)
	assert.Equal(t, 0, p.slots[0].failedAttempts)
}

func TestReleaseWithErrorBelowThresholdStaysAvailable(t *testing.T) {
	p := newTestPool(&Slot{state: InUse, failedAttempts: 0})
	h := &Handle{Slot: p.slots[0]}

	p.Release(h, true)

	assert.Equal(t, Available, p.slots[0].state)
	assert.Equal(t, 1, p.slots[0].failedAttempts)
}

func TestReleaseDoesNotResurrectAnAlreadyDeadSlot(t *testing.T) {
	p := newTestPool(&Slot{state: Dead, failedAttempts: 1})
	h := &Handle{Slot: p.slots[0]}

	p.Release(h, true)

	assert.Equal(t, Dead, p.slots[0].state, "a slot already marked dead mid-attempt must not be resurrected by Release")
}

func TestReleaseWithErrorAtThresholdMarksDead(t *testing.T) {
	p := newTestPool(&Slot{state: InUse, failedAttempts: DeadThreshold - 1})
	h := &Handle{Slot: p.slots[0]}

	p.Release(h, true)

	assert.Equal(t, Dead, p.slots[0].state)
	assert.Equal(t, 0, p.healthy)
}

func TestRecoverBeforeBackoffElapsedReturnsFalse(t *testing.T) {
	p := newTestPool(&Slot{state: Dead, nextRecoveryAttempt: time.Now().Add(time.Hour)})
	ok := p.Recover(context.Background(), p.slots[0])
	assert.False(t, ok)
	assert.Equal(t, Dead, p.slots[0].state)
}

func TestRecoverAtMaxAttemptsTransitionsToPermanentFailure(t *testing.T) {
	p := newTestPool(&Slot{state: Dead, recoveryAttempts: MaxRecoveryAttempts})
	ok := p.Recover(context.Background(), p.slots[0])
	assert.False(t, ok)
	assert.Equal(t, PermanentFailure, p.slots[0].state)
}

func TestAcquireReturnsFirstAvailableSlot(t *testing.T) {
	p := newTestPool(&Slot{state: Dead}, &Slot{state: Available})
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.Slot.Index())
	assert.Equal(t, InUse, h.Slot.State())
}

func TestAcquireTimesOutWhenAllSlotsDeadWithFarBackoff(t *testing.T) {
	p := newTestPool(&Slot{state: Dead, nextRecoveryAttempt: time.Now().Add(time.Hour)})
	start := time.Now()
	_, err := p.Acquire(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrNoConnection)
	assert.GreaterOrEqual(t, elapsed, acquireWaitTimeout)
}

func TestAcquireObservesShutdownFlag(t *testing.T) {
	p := newTestPool(&Slot{state: Dead})
	p.shutdown.Store(true)

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestAcquireReturnsAvailableSlotDuringShutdown(t *testing.T) {
	// spec §4.7 request_shutdown sets the flag, then still needs to ship the
	// residual buffer (spec §8 scenario 5): the flag must only cut short the
	// wait/retry, never refuse a slot that's already sitting AVAILABLE.
	p := newTestPool(&Slot{state: Available})
	p.shutdown.Store(true)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InUse, h.Slot.State())
}

func TestReleaseWakesWaitingAcquire(t *testing.T) {
	p := newTestPool(&Slot{state: InUse})
	h := &Handle{Slot: p.slots[0]}

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(h, false)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(acquireWaitTimeout):
		t.Fatal("acquire did not wake on release")
	}
}

func TestCountsMergesDeadAndPermanentFailure(t *testing.T) {
	p := newTestPool(
		&Slot{state: Available},
		&Slot{state: InUse},
		&Slot{state: Dead},
		&Slot{state: PermanentFailure},
	)
	counts := p.Counts()
	assert.Equal(t, 1, counts.Available)
	assert.Equal(t, 1, counts.InUse)
	assert.Equal(t, 2, counts.Dead)
}

func TestPreparedStatementTextIsStable(t *testing.T) {
	// Regression guard for spec §8 property 6: every slot prepares the same
	// statement text, so the constant itself must never vary by call site.
	assert.Equal(t, `COPY original_copy(source_id, content, seq_num, checksum) FROM STDIN WITH (FORMAT binary)`, PreparedStatementSQL)
}
