// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store"
)

type Repository interface {
	store.LedgerRepository
	store.QueueRepository
	store.UserRepository
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run exercises repo implementations built by newRepo; each subtest gets a
// fresh repository.
func Run(t *testing.T, newRepo func(t *testing.T) Repository) {
	t.Run("ledger append and read", func(t *testing.T) { testLedgerAppend(t, newRepo(t)) })
	t.Run("ledger append conflicts", func(t *testing.T) { testLedgerConflicts(t, newRepo(t)) })
	t.Run("ledger halt and clear", func(t *testing.T) { testLedgerHalt(t, newRepo(t)) })
	t.Run("queue lifecycle", func(t *testing.T) { testQueueLifecycle(t, newRepo(t)) })
	t.Run("attempts and holds", func(t *testing.T) { testAttemptsAndHolds(t, newRepo(t)) })
	t.Run("users", func(t *testing.T) { testUsers(t, newRepo(t)) })
}

func invoice(deviceID string, seq int64, prev string) domain.Invoice {
	return domain.Invoice{
		ID:            fmt.Sprintf("inv-%s-%d", deviceID, seq),
		DeviceID:      deviceID,
		Sequence:      seq,
		IssuedAt:      base.Add(time.Duration(seq) * time.Minute),
		Kind:          domain.InvoiceKindRetail,
		Jurisdiction:  "SA",
		Currency:      "SAR",
		PaymentMethod: "cash",
		Seller:        domain.Seller{Name: "Maktabah Store", TaxID: "300000000000003"},
		Items: []domain.LineItem{{
			Name:          "Dates 1kg",
			Quantity:      decimal.RequireFromString("1.5"),
			Unit:          "kg",
			UnitPrice:     decimal.RequireFromString("10.00"),
			TaxableAmount: 1304,
			TaxAmount:     196,
			TotalAmount:   1500,
		}},
		Totals:        domain.Totals{TaxableAmount: 1304, TaxAmount: 196, Total: 1500},
		HashAlgorithm: "sha256",
		PreviousHash:  prev,
		ChainHash:     fmt.Sprintf("%s-hash-%d", deviceID, seq),
	}
}

func entry(inv domain.Invoice, enqueuedAt time.Time) domain.QueueEntry {
	return domain.QueueEntry{
		ID:             "q-" + inv.ID,
		DeviceID:       inv.DeviceID,
		Sequence:       inv.Sequence,
		IdempotencyKey: "key-" + inv.ID,
		Invoice:        inv,
		QRPayload:      "AQ5NYWt0YWJhaCBTdG9yZQ==",
		Status:         domain.QueueStatusPending,
		EnqueuedAt:     enqueuedAt,
		NextAttemptAt:  enqueuedAt,
		UpdatedAt:      enqueuedAt,
	}
}

func testLedgerAppend(t *testing.T, repo Repository) {
	ctx := context.Background()

	_, err := repo.GetLedgerState(ctx, "POS-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	first := invoice("POS-1", 1, "genesis")
	second := invoice("POS-1", 2, first.ChainHash)
	require.NoError(t, repo.AppendInvoice(ctx, first))
	require.NoError(t, repo.AppendInvoice(ctx, second))

	state, err := repo.GetLedgerState(ctx, "POS-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.LastSequence)
	assert.Equal(t, second.ChainHash, state.LastHash)
	assert.True(t, second.IssuedAt.Equal(state.LastIssuedAt))
	assert.False(t, state.Halted)

	got, err := repo.GetInvoice(ctx, "POS-1", 1)
	require.NoError(t, err)
	assert.Equal(t, first.ChainHash, got.ChainHash)
	assert.Equal(t, first.Totals, got.Totals)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].Quantity.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, first.IssuedAt.Equal(got.IssuedAt))

	_, err = repo.GetInvoice(ctx, "POS-1", 3)
	require.ErrorIs(t, err, store.ErrNotFound)

	page, err := repo.ListInvoices(ctx, "POS-1", 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].Sequence)

	empty, err := repo.ListInvoices(ctx, "POS-404", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	states, err := repo.ListLedgerStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "POS-1", states[0].DeviceID)
}

func testLedgerConflicts(t *testing.T, repo Repository) {
	ctx := context.Background()
	first := invoice("POS-1", 1, "genesis")
	require.NoError(t, repo.AppendInvoice(ctx, first))

	require.ErrorIs(t, repo.AppendInvoice(ctx, invoice("POS-1", 1, "genesis")), store.ErrConflict)
	require.ErrorIs(t, repo.AppendInvoice(ctx, invoice("POS-1", 3, first.ChainHash)), store.ErrConflict)
	require.ErrorIs(t, repo.AppendInvoice(ctx, invoice("POS-1", 2, "not-the-head")), store.ErrConflict)
	require.ErrorIs(t, repo.AppendInvoice(ctx, invoice("POS-2", 2, "genesis")), store.ErrConflict)

	state, err := repo.GetLedgerState(ctx, "POS-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.LastSequence)
}

func testLedgerHalt(t *testing.T, repo Repository) {
	ctx := context.Background()
	require.ErrorIs(t, repo.ClearDeviceHalt(ctx, "POS-9"), store.ErrNotFound)

	require.NoError(t, repo.AppendInvoice(ctx, invoice("POS-1", 1, "genesis")))
	at := base.Add(time.Hour)
	require.NoError(t, repo.HaltDevice(ctx, "POS-1", "chain hash mismatch at 1", at))

	state, err := repo.GetLedgerState(ctx, "POS-1")
	require.NoError(t, err)
	assert.True(t, state.Halted)
	assert.Equal(t, "chain hash mismatch at 1", state.HaltReason)
	require.NotNil(t, state.HaltedAt)
	assert.True(t, at.Equal(*state.HaltedAt))

	require.NoError(t, repo.ClearDeviceHalt(ctx, "POS-1"))
	state, err = repo.GetLedgerState(ctx, "POS-1")
	require.NoError(t, err)
	assert.False(t, state.Halted)
	assert.Nil(t, state.HaltedAt)
	assert.Equal(t, int64(1), state.LastSequence)

	// a device halted before its first invoice is still listed
	require.NoError(t, repo.HaltDevice(ctx, "POS-2", "audit", at))
	states, err := repo.ListLedgerStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func testQueueLifecycle(t *testing.T, repo Repository) {
	ctx := context.Background()
	a1 := entry(invoice("POS-A", 1, "genesis"), base)
	a2 := entry(invoice("POS-A", 2, "POS-A-hash-1"), base.Add(time.Second))
	b1 := entry(invoice("POS-B", 1, "genesis"), base.Add(2*time.Second))
	for _, e := range []domain.QueueEntry{a2, b1, a1} {
		require.NoError(t, repo.Enqueue(ctx, e))
	}

	dup := a1
	dup.ID = "q-other"
	require.ErrorIs(t, repo.Enqueue(ctx, dup), store.ErrConflict)

	got, err := repo.GetEntry(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, a1.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, a1.Invoice.ChainHash, got.Invoice.ChainHash)
	assert.Equal(t, domain.QueueStatusPending, got.Status)

	bySeq, err := repo.GetEntryBySequence(ctx, "POS-A", 2)
	require.NoError(t, err)
	assert.Equal(t, a2.ID, bySeq.ID)
	_, err = repo.GetEntryBySequence(ctx, "POS-A", 9)
	require.ErrorIs(t, err, store.ErrNotFound)

	claimed := *got
	claimed.Status = domain.QueueStatusReporting
	claimed.Attempts = 1
	claimed.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, repo.UpdateEntry(ctx, claimed, domain.QueueStatusPending))
	require.ErrorIs(t, repo.UpdateEntry(ctx, claimed, domain.QueueStatusPending), store.ErrConflict)
	missing := claimed
	missing.ID = "q-missing"
	require.ErrorIs(t, repo.UpdateEntry(ctx, missing, domain.QueueStatusPending), store.ErrNotFound)

	pending, err := repo.ListDeviceEntries(ctx, "POS-A", []domain.QueueStatus{domain.QueueStatusPending}, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].Sequence)

	all, err := repo.ListDeviceEntries(ctx, "POS-A", nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].Sequence)
	assert.Equal(t, domain.QueueStatusReporting, all[0].Status)
	assert.Equal(t, 1, all[0].Attempts)

	first, err := repo.ListEntries(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, a1.ID, first[0].ID)
	assert.Equal(t, a2.ID, first[1].ID)

	counts, err := repo.CountByStatus(ctx, "POS-A")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.QueueStatusPending])
	assert.Equal(t, 1, counts[domain.QueueStatusReporting])

	last, err := repo.LastSequence(ctx, "POS-A")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
	last, err = repo.LastSequence(ctx, "POS-404")
	require.NoError(t, err)
	assert.Zero(t, last)

	devices, err := repo.PendingDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"POS-A", "POS-B"}, devices)

	n, err := repo.ResetReporting(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	reset, err := repo.GetEntry(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusPending, reset.Status)
	assert.True(t, base.Add(2*time.Minute).Equal(reset.UpdatedAt))
}

func testAttemptsAndHolds(t *testing.T, repo Repository) {
	ctx := context.Background()
	for i, outcome := range []domain.ReportOutcome{domain.OutcomeError, domain.OutcomeAccepted} {
		require.NoError(t, repo.RecordAttempt(ctx, domain.SyncAttempt{
			ID:             fmt.Sprintf("att-%d", i),
			EntryID:        "q-1",
			DeviceID:       "POS-1",
			Sequence:       1,
			IdempotencyKey: "key-1",
			Outcome:        outcome,
			AttemptedAt:    base.Add(time.Duration(i) * time.Minute),
			DurationMillis: 120,
		}))
	}
	attempts, err := repo.ListAttempts(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.OutcomeError, attempts[0].Outcome)
	assert.Equal(t, domain.OutcomeAccepted, attempts[1].Outcome)

	none, err := repo.ListAttempts(ctx, "q-404")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = repo.GetHold(ctx, "POS-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, repo.DeleteHold(ctx, "POS-1"), store.ErrNotFound)

	hold := domain.DeviceHold{DeviceID: "POS-1", EntryID: "q-1", Sequence: 1, Reason: "rejected", HeldAt: base}
	require.NoError(t, repo.PutHold(ctx, hold))
	hold.Reason = "rejected again"
	require.NoError(t, repo.PutHold(ctx, hold))

	got, err := repo.GetHold(ctx, "POS-1")
	require.NoError(t, err)
	assert.Equal(t, "rejected again", got.Reason)
	assert.True(t, base.Equal(got.HeldAt))

	require.NoError(t, repo.DeleteHold(ctx, "POS-1"))
	_, err = repo.GetHold(ctx, "POS-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testUsers(t *testing.T, repo Repository) {
	ctx := context.Background()
	_, err := repo.GetUserByUsername(ctx, "operator1")
	require.ErrorIs(t, err, store.ErrNotFound)

	user := domain.UserAccount{Username: "operator1", Password: "$2a$10$hash", Role: domain.RoleOperator, Active: true, CreatedAt: base}
	require.NoError(t, repo.PutUser(ctx, user))

	got, err := repo.GetUserByUsername(ctx, "operator1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleOperator, got.Role)
	assert.True(t, got.Active)

	user.Active = false
	require.NoError(t, repo.PutUser(ctx, user))
	got, err = repo.GetUserByUsername(ctx, "operator1")
	require.NoError(t, err)
	assert.False(t, got.Active)
}
