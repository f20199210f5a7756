package reporting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(3, time.Minute).WithNow(func() time.Time { return now })

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerHalfOpenAllowsOneTrialCall(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Minute).WithNow(func() time.Time { return now })

	cb.RecordFailure()
	assert.False(t, cb.Allow())

	now = now.Add(time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "second caller must wait for the trial call")

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute).WithNow(func() time.Time { return now })

	cb.RecordFailure()
	cb.RecordFailure()
	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestBreakerReleaseReturnsUnusedTrialSlot(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(1, time.Minute).WithNow(func() time.Time { return now })

	cb.RecordFailure()
	now = now.Add(time.Minute)
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())

	// no call was made with the slot
	cb.Release()
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())

	var nilBreaker *CircuitBreaker
	nilBreaker.Release()
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())

	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestNilBreakerAlwaysAllows(t *testing.T) {
	var cb *CircuitBreaker
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
}
