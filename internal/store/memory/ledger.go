package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store"
)

type deviceLedger struct {
	mu       sync.RWMutex
	state    domain.LedgerState
	invoices []domain.Invoice
}

func (s *Store) ledger(deviceID string, create bool) *deviceLedger {
	s.mu.RLock()
	l, ok := s.ledgers[deviceID]
	s.mu.RUnlock()
	if ok || !create {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[deviceID]; ok {
		return l
	}
	l = &deviceLedger{state: domain.LedgerState{DeviceID: deviceID}}
	s.ledgers[deviceID] = l
	return l
}

func (s *Store) GetLedgerState(_ context.Context, deviceID string) (*domain.LedgerState, error) {
	l := s.ledger(deviceID, false)
	if l == nil {
		return nil, store.ErrNotFound
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state.LastSequence == 0 && !l.state.Halted {
		return nil, store.ErrNotFound
	}
	state := l.state
	return &state, nil
}

func (s *Store) AppendInvoice(_ context.Context, inv domain.Invoice) error {
	l := s.ledger(inv.DeviceID, true)
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.LastSequence != inv.Sequence-1 {
		return store.ErrConflict
	}
	if inv.Sequence > 1 && l.state.LastHash != inv.PreviousHash {
		return store.ErrConflict
	}
	l.invoices = append(l.invoices, cloneInvoice(inv))
	l.state.LastSequence = inv.Sequence
	l.state.LastHash = inv.ChainHash
	l.state.LastIssuedAt = inv.IssuedAt
	l.state.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetInvoice(_ context.Context, deviceID string, sequence int64) (*domain.Invoice, error) {
	l := s.ledger(deviceID, false)
	if l == nil {
		return nil, store.ErrNotFound
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence < 1 || sequence > int64(len(l.invoices)) {
		return nil, store.ErrNotFound
	}
	inv := cloneInvoice(l.invoices[sequence-1])
	return &inv, nil
}

func (s *Store) ListInvoices(_ context.Context, deviceID string, fromSeq int64, toSeq int64) ([]domain.Invoice, error) {
	l := s.ledger(deviceID, false)
	if l == nil {
		return []domain.Invoice{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Invoice, 0)
	for _, inv := range l.invoices {
		if inv.Sequence < fromSeq || inv.Sequence > toSeq {
			continue
		}
		out = append(out, cloneInvoice(inv))
	}
	return out, nil
}

func (s *Store) ListLedgerStates(_ context.Context) ([]domain.LedgerState, error) {
	s.mu.RLock()
	ledgers := make([]*deviceLedger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		ledgers = append(ledgers, l)
	}
	s.mu.RUnlock()

	out := make([]domain.LedgerState, 0, len(ledgers))
	for _, l := range ledgers {
		l.mu.RLock()
		if l.state.LastSequence > 0 || l.state.Halted {
			out = append(out, l.state)
		}
		l.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) HaltDevice(_ context.Context, deviceID string, reason string, at time.Time) error {
	l := s.ledger(deviceID, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Halted = true
	l.state.HaltReason = reason
	l.state.HaltedAt = &at
	l.state.UpdatedAt = at
	return nil
}

func (s *Store) ClearDeviceHalt(_ context.Context, deviceID string) error {
	l := s.ledger(deviceID, false)
	if l == nil {
		return store.ErrNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Halted = false
	l.state.HaltReason = ""
	l.state.HaltedAt = nil
	l.state.UpdatedAt = time.Now().UTC()
	return nil
}

// ReplaceInvoice overwrites a stored invoice without any chain checks. It
// exists for audit drills that need a tampered ledger.
func (s *Store) ReplaceInvoice(inv domain.Invoice) error {
	l := s.ledger(inv.DeviceID, false)
	if l == nil {
		return store.ErrNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if inv.Sequence < 1 || inv.Sequence > int64(len(l.invoices)) {
		return store.ErrNotFound
	}
	l.invoices[inv.Sequence-1] = cloneInvoice(inv)
	return nil
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dst := src
	dst.Items = append([]domain.LineItem(nil), src.Items...)
	dst.Breakdown = append([]domain.TaxBreakdown(nil), src.Breakdown...)
	return dst
}
