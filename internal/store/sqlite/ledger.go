package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store"
)

const ledgerStateColumns = `device_id, last_sequence, last_hash, last_issued_at, halted, halt_reason, halted_at, updated_at`

func scanLedgerState(row rowScanner) (domain.LedgerState, error) {
	var (
		state      domain.LedgerState
		lastIssued sql.NullInt64
		haltedAt   sql.NullInt64
		updatedAt  int64
	)
	err := row.Scan(&state.DeviceID, &state.LastSequence, &state.LastHash, &lastIssued,
		&state.Halted, &state.HaltReason, &haltedAt, &updatedAt)
	if err != nil {
		return domain.LedgerState{}, err
	}
	if lastIssued.Valid {
		state.LastIssuedAt = fromMillis(lastIssued.Int64)
	}
	state.HaltedAt = nullMillis(haltedAt)
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}

func (s *Store) GetLedgerState(ctx context.Context, deviceID string) (*domain.LedgerState, error) {
	state, err := scanLedgerState(s.db.QueryRowContext(ctx, `
		SELECT `+ledgerStateColumns+` FROM ledger_states WHERE device_id = ?
	`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if state.LastSequence == 0 && !state.Halted {
		return nil, store.ErrNotFound
	}
	return &state, nil
}

func (s *Store) AppendInvoice(ctx context.Context, inv domain.Invoice) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invoice: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastSequence int64
		lastHash     string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT last_sequence, last_hash FROM ledger_states WHERE device_id = ?
	`, inv.DeviceID).Scan(&lastSequence, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if lastSequence != inv.Sequence-1 {
		return store.ErrConflict
	}
	if inv.Sequence > 1 && lastHash != inv.PreviousHash {
		return store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (device_id, sequence, previous_hash, chain_hash, issued_at, payload)
		VALUES (?,?,?,?,?,?)
	`, inv.DeviceID, inv.Sequence, inv.PreviousHash, inv.ChainHash, toMillis(inv.IssuedAt), string(payload))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}

	now := toMillis(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_states (device_id, last_sequence, last_hash, last_issued_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (device_id)
		DO UPDATE SET last_sequence = excluded.last_sequence,
		              last_hash = excluded.last_hash,
		              last_issued_at = excluded.last_issued_at,
		              updated_at = excluded.updated_at
	`, inv.DeviceID, inv.Sequence, inv.ChainHash, toMillis(inv.IssuedAt), now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetInvoice(ctx context.Context, deviceID string, sequence int64) (*domain.Invoice, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM invoices WHERE device_id = ? AND sequence = ?
	`, deviceID, sequence).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var inv domain.Invoice
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		return nil, fmt.Errorf("decode invoice %s/%d: %w", deviceID, sequence, err)
	}
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, deviceID string, fromSeq int64, toSeq int64) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM invoices
		WHERE device_id = ? AND sequence BETWEEN ? AND ?
		ORDER BY sequence ASC
	`, deviceID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, 64)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var inv domain.Invoice
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			return nil, fmt.Errorf("decode invoice on %s: %w", deviceID, err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *Store) ListLedgerStates(ctx context.Context) ([]domain.LedgerState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerStateColumns+`
		FROM ledger_states
		WHERE last_sequence > 0 OR halted = 1
		ORDER BY device_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]domain.LedgerState, 0, 16)
	for rows.Next() {
		state, err := scanLedgerState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func (s *Store) HaltDevice(ctx context.Context, deviceID string, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_states (device_id, halted, halt_reason, halted_at, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT (device_id)
		DO UPDATE SET halted = 1, halt_reason = excluded.halt_reason,
		              halted_at = excluded.halted_at, updated_at = excluded.updated_at
	`, deviceID, reason, toMillis(at), toMillis(at))
	return err
}

func (s *Store) ClearDeviceHalt(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_states
		SET halted = 0, halt_reason = '', halted_at = NULL, updated_at = ?
		WHERE device_id = ?
	`, toMillis(time.Now()), deviceID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
