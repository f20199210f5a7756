package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/alert"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	queue    *Queue
	repo     *memory.Store
	clock    *fakeClock
	recorder *alert.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	clock := &fakeClock{now: t0}
	recorder := alert.NewRecorder(100)
	q := New(repo, nil, recorder, Config{
		Backoff: Backoff{Base: time.Minute, Max: 10 * time.Minute},
	}, WithClock(clock))
	return fixture{queue: q, repo: repo, clock: clock, recorder: recorder}
}

func invoice(device string, seq int64, issued time.Time) domain.Invoice {
	return domain.Invoice{
		ID:           fmt.Sprintf("%s-inv-%d", device, seq),
		DeviceID:     device,
		Sequence:     seq,
		IssuedAt:     issued,
		Jurisdiction: "SA",
		Currency:     "SAR",
		ChainHash:    fmt.Sprintf("hash-%s-%d", device, seq),
	}
}

func TestEnqueueDerivesStableIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := invoice("POS-1", 1, t0)
	first, err := f.queue.Enqueue(ctx, inv, "qr")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusPending, first.Status)
	assert.NotEmpty(t, first.IdempotencyKey)

	again, err := f.queue.Enqueue(ctx, inv, "qr")
	require.NoError(t, err)
	assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey)

	inv.ChainHash = "other"
	_, err = f.queue.Enqueue(ctx, inv, "qr")
	assert.ErrorIs(t, err, ErrChainMismatch)
}

func TestPeekBatchReturnsAppendOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		_, err := f.queue.Enqueue(ctx, invoice("POS-1", seq, t0), "")
		require.NoError(t, err)
	}

	batch, err := f.queue.PeekBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, entry := range batch {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}

	batch, err = f.queue.PeekBatch(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestPeekStopsBehindBackingOffHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 3; seq++ {
		_, err := f.queue.Enqueue(ctx, invoice("POS-1", seq, t0), "")
		require.NoError(t, err)
	}
	head := invoice("POS-1", 1, t0).ID

	_, err := f.queue.MarkReporting(ctx, head)
	require.NoError(t, err)
	batch, err := f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "in-flight head blocks later sequences")

	failed, err := f.queue.MarkFailed(ctx, head, "503")
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, t0.Add(2*time.Minute), failed.NextAttemptAt)

	batch, err = f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "backing-off head blocks later sequences")

	f.clock.Set(t0.Add(2 * time.Minute))
	batch, err = f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.queue.MarkAcknowledged(ctx, entry.ID, "ref"), ErrInvalidTransition)
	_, err = f.queue.MarkFailed(ctx, entry.ID, "x")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.queue.MarkReporting(ctx, entry.ID)
	require.NoError(t, err)
	_, err = f.queue.MarkReporting(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, f.queue.MarkAcknowledged(ctx, entry.ID, "ref-1"))
	got, err := f.queue.Entry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusAcknowledged, got.Status)
	assert.Equal(t, "ref-1", got.AuthorityReference)
	require.NotNil(t, got.AcknowledgedAt)

	_, err = f.queue.MarkReporting(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOfflineExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)

	f.clock.Set(t0.Add(23*time.Hour + 59*time.Minute))
	_, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	got, err := f.queue.Entry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusPending, got.Status)

	f.clock.Set(t0.Add(24*time.Hour + time.Second))
	res, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	got, err = f.queue.Entry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusExpired, got.Status)

	alerts := f.recorder.List(0)
	require.NotEmpty(t, alerts)
	assert.Equal(t, domain.SeverityViolation, alerts[0].Severity)
	assert.Equal(t, entry.ID, alerts[0].InvoiceID)
	assert.InDelta(t, 24.0, alerts[0].AgeHours, 0.01)
}

func TestExpiredHeadHoldsDeviceUntilLateSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)
	f.clock.Set(t0.Add(23 * time.Hour))
	second, err := f.queue.Enqueue(ctx, invoice("POS-1", 2, t0.Add(23*time.Hour)), "")
	require.NoError(t, err)

	f.clock.Set(t0.Add(24*time.Hour + time.Minute))
	res, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	// sequence 2 is still within budget but must not overtake sequence 1
	batch, err := f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
	_, err = f.queue.MarkReporting(ctx, second.ID)
	assert.ErrorIs(t, err, ErrDeviceHeld)

	hold, err := f.queue.HoldFor(ctx, "POS-1")
	require.NoError(t, err)
	require.NotNil(t, hold)
	assert.Equal(t, first.ID, hold.EntryID)
	assert.Contains(t, hold.Reason, "expired")

	require.NoError(t, f.queue.Resume(ctx, "POS-1"))
	got, err := f.queue.Entry(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusPending, got.Status)
	assert.True(t, got.LateSubmission)
	assert.Equal(t, domain.SeverityViolation, got.AlertLevel)

	// a late submission is never expired again
	f.clock.Set(t0.Add(30 * time.Hour))
	res, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)

	batch, err = f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(1), batch[0].Sequence)
	assert.Equal(t, int64(2), batch[1].Sequence)
}

func TestPeekStopsAtExpiredEntryWithoutHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, invoice("POS-1", 2, t0), "")
	require.NoError(t, err)

	first.Status = domain.QueueStatusExpired
	require.NoError(t, f.repo.UpdateEntry(ctx, first, domain.QueueStatusPending))

	batch, err := f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestExpediteRetriesMakesBackingOffEntriesDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)
	_, err = f.queue.MarkReporting(ctx, entry.ID)
	require.NoError(t, err)
	_, err = f.queue.MarkFailed(ctx, entry.ID, "503")
	require.NoError(t, err)

	batch, err := f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	n, err := f.queue.ExpediteRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err = f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempts)
}

type rejectingNotifier struct{}

func (rejectingNotifier) Notify(context.Context, domain.Alert) error {
	return assert.AnError
}

func TestExpiryWaitsForAlertDelivery(t *testing.T) {
	repo := memory.New()
	clock := &fakeClock{now: t0}
	q := New(repo, nil, rejectingNotifier{}, Config{}, WithClock(clock))
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)

	clock.Set(t0.Add(25 * time.Hour))
	res, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	got, err := q.Entry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusPending, got.Status)
}

func TestSweepEscalatesOncePerLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)

	f.clock.Set(t0.Add(20*time.Hour + time.Minute))
	res, err := f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Warned)

	res, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Warned)

	f.clock.Set(t0.Add(23*time.Hour + time.Minute))
	res, err = f.queue.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Critical)

	alerts := f.recorder.List(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, domain.SeverityWarning, alerts[1].Severity)
}

func TestRecoverResetsInFlightEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)
	_, err = f.queue.MarkReporting(ctx, entry.ID)
	require.NoError(t, err)

	// A new process over the same store.
	restarted := New(f.repo, nil, f.recorder, Config{}, WithClock(f.clock))
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err := restarted.PeekBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, entry.IdempotencyKey, batch[0].IdempotencyKey)
}

func TestRejectionHoldsDeviceUntilResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, invoice("POS-1", 2, t0), "")
	require.NoError(t, err)

	_, err = f.queue.MarkReporting(ctx, first.ID)
	require.NoError(t, err)
	_, err = f.queue.MarkRejected(ctx, first.ID, "schema rejected")
	require.NoError(t, err)

	batch, err := f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
	_, err = f.queue.MarkReporting(ctx, first.ID)
	assert.ErrorIs(t, err, ErrDeviceHeld)

	status, err := f.queue.Status(ctx, "POS-1")
	require.NoError(t, err)
	require.NotNil(t, status.Hold)
	assert.Equal(t, int64(1), status.Hold.Sequence)
	assert.Equal(t, 2, status.Pending)

	alerts := f.recorder.List(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)

	require.NoError(t, f.queue.Resume(ctx, "POS-1"))
	batch, err = f.queue.PeekDeviceBatch(ctx, "POS-1", 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
}

func TestAgeOfOldestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	age, err := f.queue.AgeOfOldestPending(ctx, "POS-1")
	require.NoError(t, err)
	assert.Zero(t, age)

	_, err = f.queue.Enqueue(ctx, invoice("POS-1", 1, t0), "")
	require.NoError(t, err)
	f.clock.Set(t0.Add(90 * time.Minute))
	_, err = f.queue.Enqueue(ctx, invoice("POS-1", 2, t0.Add(90*time.Minute)), "")
	require.NoError(t, err)

	age, err = f.queue.AgeOfOldestPending(ctx, "POS-1")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, age)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(400))
}
