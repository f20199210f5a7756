// Package ledger appends invoices to per-device hash chains and verifies them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fiscalpos/backend/internal/alert"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/metrics"
	"fiscalpos/backend/internal/store"
	"fiscalpos/backend/internal/xid"
)

const verifyPageSize = 500

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Ledger struct {
	repo     store.LedgerRepository
	hasher   Hasher
	clock    Clock
	notifier alert.Notifier
	metrics  *metrics.Metrics
	log      zerolog.Logger

	locks sync.Map
}

type Option func(*Ledger)

func WithClock(c Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithNotifier(n alert.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log.With().Str("component", "ledger").Logger() }
}

func New(repo store.LedgerRepository, hasher Hasher, opts ...Option) *Ledger {
	l := &Ledger{
		repo:   repo,
		hasher: hasher,
		clock:  systemClock{},
		log:    zerolog.Nop(),
	}
	if l.hasher.factory == nil {
		l.hasher, _ = NewHasher(HashSHA256)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) deviceLock(deviceID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(deviceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append sequences draft as the next invoice of deviceID and chains it to the
// device head. Appends for one device are serialized; different devices do
// not contend.
func (l *Ledger) Append(ctx context.Context, deviceID string, draft domain.InvoiceDraft) (domain.Invoice, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return domain.Invoice{}, ErrInvalidDevice
	}

	mu := l.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	state, err := l.repo.GetLedgerState(ctx, deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = &domain.LedgerState{DeviceID: deviceID}
	case err != nil:
		return domain.Invoice{}, fmt.Errorf("load ledger state: %w", err)
	}
	if state.Halted {
		return domain.Invoice{}, fmt.Errorf("%w: %s: %s", ErrDeviceHalted, deviceID, state.HaltReason)
	}

	previousHash := GenesisHash
	if state.LastSequence > 0 {
		if err := l.checkHead(ctx, *state); err != nil {
			return domain.Invoice{}, err
		}
		previousHash = state.LastHash
	}

	issuedAt := normalizeTimestamp(l.clock.Now())
	if issuedAt.Before(state.LastIssuedAt) {
		l.log.Warn().
			Str("device_id", deviceID).
			Time("clock", issuedAt).
			Time("last_issued_at", state.LastIssuedAt).
			Msg("clock behind ledger head; holding issue time at last issued")
		issuedAt = state.LastIssuedAt
	}

	inv := domain.Invoice{
		ID:            xid.New(""),
		DeviceID:      deviceID,
		Sequence:      state.LastSequence + 1,
		IssuedAt:      issuedAt,
		Kind:          draft.Kind,
		Jurisdiction:  draft.Jurisdiction,
		Currency:      draft.Currency,
		PaymentMethod: draft.PaymentMethod,
		Seller:        draft.Seller,
		BuyerName:     draft.BuyerName,
		BuyerTaxID:    draft.BuyerTaxID,
		Items:         draft.Items,
		Breakdown:     draft.Breakdown,
		Totals:        draft.Totals,
		HashAlgorithm: l.hasher.Name(),
		PreviousHash:  previousHash,
	}
	body, err := Canonical(inv)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("canonical invoice: %w", err)
	}
	inv.ChainHash = l.hasher.Sum(previousHash, body)

	if err := l.repo.AppendInvoice(ctx, inv); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Invoice{}, fmt.Errorf("append %s/%d: ledger head moved: %w", deviceID, inv.Sequence, err)
		}
		return domain.Invoice{}, fmt.Errorf("append %s/%d: %w", deviceID, inv.Sequence, err)
	}

	l.metrics.IncInvoiceAppended(inv.Jurisdiction)
	l.log.Debug().Str("device_id", deviceID).Int64("sequence", inv.Sequence).Str("chain_hash", inv.ChainHash).Msg("invoice appended")
	return inv, nil
}

// checkHead re-verifies the stored head invoice before anything is chained onto it.
func (l *Ledger) checkHead(ctx context.Context, state domain.LedgerState) error {
	head, err := l.repo.GetInvoice(ctx, state.DeviceID, state.LastSequence)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return l.halt(ctx, &ChainBrokenError{DeviceID: state.DeviceID, Sequence: state.LastSequence, Reason: "head invoice missing"})
		}
		return fmt.Errorf("load head invoice: %w", err)
	}
	if head.ChainHash != state.LastHash {
		return l.halt(ctx, &ChainBrokenError{DeviceID: state.DeviceID, Sequence: state.LastSequence, Reason: "head hash differs from ledger state"})
	}
	if err := VerifyInvoice(*head); err != nil {
		return l.halt(ctx, err)
	}
	return nil
}

// VerifyInvoice recomputes the chain hash of inv from its own fields and its
// stored previous hash.
func VerifyInvoice(inv domain.Invoice) error {
	broken := func(reason string) error {
		return &ChainBrokenError{DeviceID: inv.DeviceID, Sequence: inv.Sequence, Reason: reason}
	}
	hasher, err := NewHasher(inv.HashAlgorithm)
	if err != nil {
		return broken(err.Error())
	}
	body, err := Canonical(inv)
	if err != nil {
		return broken("canonical form: " + err.Error())
	}
	if hasher.Sum(inv.PreviousHash, body) != inv.ChainHash {
		return broken("chain hash mismatch")
	}
	return nil
}

// VerifyInvoice checks a single invoice; a failure halts the device.
func (l *Ledger) VerifyInvoice(ctx context.Context, inv domain.Invoice) error {
	if err := VerifyInvoice(inv); err != nil {
		return l.halt(ctx, err)
	}
	return nil
}

// VerifyChain walks [from, to] and reports the first broken link. Zero bounds
// mean the start and the head of the chain. A broken chain halts the device
// and the returned error wraps ErrChainBroken.
func (l *Ledger) VerifyChain(ctx context.Context, deviceID string, from, to int64) (domain.ChainReport, error) {
	report := domain.ChainReport{DeviceID: deviceID, From: from, To: to}

	state, err := l.repo.GetLedgerState(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && from <= 0 && to <= 0 {
			report.Valid = true
			return report, nil
		}
		return report, fmt.Errorf("load ledger state: %w", err)
	}
	if from <= 0 {
		from = 1
	}
	if to <= 0 || to > state.LastSequence {
		to = state.LastSequence
	}
	report.From, report.To = from, to
	if from > to {
		if state.LastSequence == 0 {
			report.Valid = true
			return report, nil
		}
		return report, fmt.Errorf("%w: %d..%d", ErrInvalidRange, from, to)
	}

	previousHash := GenesisHash
	var previousIssued time.Time
	if from > 1 {
		anchor, err := l.repo.GetInvoice(ctx, deviceID, from-1)
		if err != nil {
			return report, fmt.Errorf("load anchor invoice %d: %w", from-1, err)
		}
		previousHash = anchor.ChainHash
		previousIssued = anchor.IssuedAt
	}

	fail := func(seq int64, reason string) (domain.ChainReport, error) {
		report.Valid = false
		report.BrokenAt = seq
		report.BrokenReason = reason
		return report, l.halt(ctx, &ChainBrokenError{DeviceID: deviceID, Sequence: seq, Reason: reason})
	}

	expected := from
	for expected <= to {
		pageEnd := min(expected+verifyPageSize-1, to)
		page, err := l.repo.ListInvoices(ctx, deviceID, expected, pageEnd)
		if err != nil {
			return report, fmt.Errorf("list invoices: %w", err)
		}
		if len(page) == 0 {
			return fail(expected, "invoice missing")
		}
		for _, inv := range page {
			if inv.Sequence != expected {
				return fail(expected, fmt.Sprintf("sequence gap: found %d", inv.Sequence))
			}
			if inv.PreviousHash != previousHash {
				return fail(inv.Sequence, "previous hash does not link to predecessor")
			}
			if err := VerifyInvoice(inv); err != nil {
				return fail(inv.Sequence, "chain hash mismatch")
			}
			if inv.IssuedAt.Before(previousIssued) {
				return fail(inv.Sequence, "issue timestamp precedes predecessor")
			}
			previousHash = inv.ChainHash
			previousIssued = inv.IssuedAt
			report.Checked++
			expected++
		}
	}
	if to == state.LastSequence && previousHash != state.LastHash {
		return fail(to, "ledger head hash differs from last invoice")
	}

	report.Valid = true
	return report, nil
}

// ClearHalt lifts a chain halt once the whole chain verifies again.
func (l *Ledger) ClearHalt(ctx context.Context, deviceID string) (domain.ChainReport, error) {
	mu := l.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	report, err := l.VerifyChain(ctx, deviceID, 0, 0)
	if err != nil {
		return report, err
	}
	if err := l.repo.ClearDeviceHalt(ctx, deviceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return report, fmt.Errorf("clear halt: %w", err)
	}
	l.log.Info().Str("device_id", deviceID).Int("verified", report.Checked).Msg("ledger halt cleared after verification")
	return report, nil
}

func (l *Ledger) halt(ctx context.Context, cause error) error {
	var broken *ChainBrokenError
	if !errors.As(cause, &broken) {
		return cause
	}
	l.metrics.IncChainBreak()
	l.log.Error().
		Str("device_id", broken.DeviceID).
		Int64("sequence", broken.Sequence).
		Str("reason", broken.Reason).
		Msg("chain integrity violation; halting device")

	persistCtx := context.WithoutCancel(ctx)
	if err := l.repo.HaltDevice(persistCtx, broken.DeviceID, broken.Reason, time.Now().UTC()); err != nil {
		l.log.Error().Err(err).Str("device_id", broken.DeviceID).Msg("failed to persist ledger halt")
	}
	if l.notifier != nil {
		a := domain.Alert{
			DeviceID: broken.DeviceID,
			Sequence: broken.Sequence,
			Severity: domain.SeverityViolation,
			Reason:   "chain integrity violation: " + broken.Reason,
			RaisedAt: time.Now().UTC(),
		}
		if err := l.notifier.Notify(persistCtx, a); err != nil {
			l.log.Error().Err(err).Str("device_id", broken.DeviceID).Msg("failed to raise chain alert")
		}
	}
	return cause
}

func (l *Ledger) State(ctx context.Context, deviceID string) (*domain.LedgerState, error) {
	return l.repo.GetLedgerState(ctx, deviceID)
}

func (l *Ledger) States(ctx context.Context) ([]domain.LedgerState, error) {
	return l.repo.ListLedgerStates(ctx)
}

func (l *Ledger) Invoice(ctx context.Context, deviceID string, sequence int64) (*domain.Invoice, error) {
	return l.repo.GetInvoice(ctx, deviceID, sequence)
}

func (l *Ledger) Invoices(ctx context.Context, deviceID string, from, to int64) ([]domain.Invoice, error) {
	if from <= 0 || to < from {
		return nil, fmt.Errorf("%w: %d..%d", ErrInvalidRange, from, to)
	}
	return l.repo.ListInvoices(ctx, deviceID, from, to)
}
