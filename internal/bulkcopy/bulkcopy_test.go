package bulkcopy

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

var _ net.Error = fakeTimeoutError{}

func TestClassifyChunkResultWritten(t *testing.T) {
	assert.Equal(t, chunkWritten, classifyChunkResult(nil))
}

func TestClassifyChunkResultBackpressureOnTimeout(t *testing.T) {
	assert.Equal(t, chunkBackpressure, classifyChunkResult(fakeTimeoutError{}))
}

func TestClassifyChunkResultWrappedTimeoutIsBackpressure(t *testing.T) {
	wrapped := fmt.Errorf("write tcp: %w", fakeTimeoutError{})
	assert.Equal(t, chunkBackpressure, classifyChunkResult(wrapped))
}

func TestClassifyChunkResultErrorOnNonTimeout(t *testing.T) {
	assert.Equal(t, chunkError, classifyChunkResult(errors.New("connection reset by peer")))
}

func TestNewAppliesDefaults(t *testing.T) {
	d := New(nil, nil, nil, 0, 0)
	assert.Equal(t, DefaultChunkSize, d.chunkSize)
	assert.Equal(t, DefaultWriteDeadline, d.writeDeadline)
}

func TestNewHonorsExplicitValues(t *testing.T) {
	d := New(nil, nil, nil, 4096, 50*time.Millisecond)
	assert.Equal(t, 4096, d.chunkSize)
	assert.Equal(t, 50*time.Millisecond, d.writeDeadline)
}
