package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrant-io/hydrant/internal/logging"
)

type fakeDriver struct {
	calls [][]byte
	processed, failed int
	ok bool
}

func (f *fakeDriver) Ship(_ context.Context, data []byte) (int, int, bool) {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.calls = append(f.calls, cp)
	if f.processed == 0 && f.failed == 0 {
		return len(data), 0, true
	}
	return f.processed, f.failed, f.ok
}

func TestAppendFitsExactly(t *testing.T) {
	a := New(&fakeDriver{}, logging.Default(), 8)
	assert.True(t, a.Append([]byte("12345678")))
	assert.Equal(t, 8, a.Len())
}

func TestAppendOneByteOverRejects(t *testing.T) {
	a := New(&fakeDriver{}, logging.Default(), 8)
	require.True(t, a.Append([]byte("1234567")))
	assert.False(t, a.Append([]byte("xx")))
	assert.Equal(t, 7, a.Len(), "rejected append must not partially write")
}

func TestFlushResetsPositionOnSuccess(t *testing.T) {
	d := &fakeDriver{}
	a := New(d, logging.Default(), 16)
	a.Append([]byte("hello"))

	processed, failed, ok := a.Flush(context.Background())
	assert.Equal(t, 5, processed)
	assert.Equal(t, 0, failed)
	assert.True(t, ok)
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, []byte("hello"), d.calls[0])
}

func TestFlushResetsPositionOnFailure(t *testing.T) {
	d := &fakeDriver{processed: 2, failed: 3, ok: false}
	a := New(d, logging.Default(), 16)
	a.Append([]byte("hello"))

	_, _, ok := a.Flush(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 0, a.Len(), "position must reset even on failure")
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	d := &fakeDriver{}
	a := New(d, logging.Default(), 16)

	processed, failed, ok := a.Flush(context.Background())
	assert.Equal(t, 0, processed)
	assert.Equal(t, 0, failed)
	assert.True(t, ok)
	assert.Empty(t, d.calls)
}

func TestDrainFlushesResidual(t *testing.T) {
	d := &fakeDriver{}
	a := New(d, logging.Default(), 16)
	a.Append([]byte("residual"))

	processed, _, ok := a.Drain(context.Background())
	assert.Equal(t, 8, processed)
	assert.True(t, ok)
	assert.Equal(t, 0, a.Len())
}
