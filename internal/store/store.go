package store

import (
	"context"
	"errors"
	"time"

	"fiscalpos/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that the stored state moved under the caller: a
	// sequence already taken, a chain head that no longer matches or a queue
	// entry that left the expected status.
	ErrConflict = errors.New("conflict")
)

// LedgerRepository persists the per-device invoice chains.
type LedgerRepository interface {
	GetLedgerState(ctx context.Context, deviceID string) (*domain.LedgerState, error)
	// AppendInvoice stores inv and advances the device head in one atomic step.
	// It fails with ErrConflict unless the head is (inv.Sequence-1, inv.PreviousHash).
	AppendInvoice(ctx context.Context, inv domain.Invoice) error
	GetInvoice(ctx context.Context, deviceID string, sequence int64) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, deviceID string, fromSeq int64, toSeq int64) ([]domain.Invoice, error)
	ListLedgerStates(ctx context.Context) ([]domain.LedgerState, error)
	HaltDevice(ctx context.Context, deviceID string, reason string, at time.Time) error
	ClearDeviceHalt(ctx context.Context, deviceID string) error
}

// QueueRepository persists the offline reporting queue.
type QueueRepository interface {
	Enqueue(ctx context.Context, entry domain.QueueEntry) error
	GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error)
	GetEntryBySequence(ctx context.Context, deviceID string, sequence int64) (*domain.QueueEntry, error)
	// UpdateEntry replaces the entry only while it is still in the expected status.
	UpdateEntry(ctx context.Context, entry domain.QueueEntry, expected domain.QueueStatus) error
	// ListDeviceEntries returns entries in sequence order.
	ListDeviceEntries(ctx context.Context, deviceID string, statuses []domain.QueueStatus, limit int) ([]domain.QueueEntry, error)
	// ListEntries returns entries ordered by enqueue time then device and sequence.
	ListEntries(ctx context.Context, statuses []domain.QueueStatus, limit int) ([]domain.QueueEntry, error)
	CountByStatus(ctx context.Context, deviceID string) (map[domain.QueueStatus]int, error)
	LastSequence(ctx context.Context, deviceID string) (int64, error)
	// PendingDevices lists devices with pending or reporting entries, oldest first.
	PendingDevices(ctx context.Context) ([]string, error)
	ResetReporting(ctx context.Context, at time.Time) (int, error)
	RecordAttempt(ctx context.Context, attempt domain.SyncAttempt) error
	ListAttempts(ctx context.Context, entryID string) ([]domain.SyncAttempt, error)
	PutHold(ctx context.Context, hold domain.DeviceHold) error
	GetHold(ctx context.Context, deviceID string) (*domain.DeviceHold, error)
	DeleteHold(ctx context.Context, deviceID string) error
}

type UserRepository interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	// PutUser creates the account or replaces it when the username exists.
	PutUser(ctx context.Context, user domain.UserAccount) error
}

// ContainsStatus reports whether s is in statuses; an empty filter matches all.
func ContainsStatus(statuses []domain.QueueStatus, s domain.QueueStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
