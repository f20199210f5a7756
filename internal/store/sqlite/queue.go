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

const entryColumns = `status, updated_at, payload`

func scanEntry(row rowScanner) (domain.QueueEntry, error) {
	var (
		status    string
		updatedAt int64
		payload   string
	)
	if err := row.Scan(&status, &updatedAt, &payload); err != nil {
		return domain.QueueEntry{}, err
	}
	var entry domain.QueueEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("decode queue entry: %w", err)
	}
	entry.Status = domain.QueueStatus(status)
	if updatedAt != toMillis(entry.UpdatedAt) {
		entry.UpdatedAt = fromMillis(updatedAt)
	}
	return entry, nil
}

func (s *Store) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, device_id, sequence, idempotency_key, status, enqueued_at, next_attempt_at, payload, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, entry.ID, entry.DeviceID, entry.Sequence, entry.IdempotencyKey, string(entry.Status),
		toMillis(entry.EnqueuedAt), toMillis(entry.NextAttemptAt), string(payload), toMillis(entry.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetEntryBySequence(ctx context.Context, deviceID string, sequence int64) (*domain.QueueEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries WHERE device_id = ? AND sequence = ?
	`, deviceID, sequence))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) UpdateEntry(ctx context.Context, entry domain.QueueEntry, expected domain.QueueStatus) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, next_attempt_at = ?, payload = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(entry.Status), toMillis(entry.NextAttemptAt), string(payload), toMillis(entry.UpdatedAt), entry.ID, string(expected))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM queue_entries WHERE id = ?)`, entry.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (s *Store) ListDeviceEntries(ctx context.Context, deviceID string, statuses []domain.QueueStatus, limit int) ([]domain.QueueEntry, error) {
	filter, args := statusFilter(statuses)
	args = append([]any{deviceID}, args...)
	args = append(args, limitOrAll(limit))
	return s.listEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE device_id = ? AND `+filter+`
		ORDER BY sequence ASC
		LIMIT ?
	`, args...)
}

func (s *Store) ListEntries(ctx context.Context, statuses []domain.QueueStatus, limit int) ([]domain.QueueEntry, error) {
	filter, args := statusFilter(statuses)
	args = append(args, limitOrAll(limit))
	return s.listEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE `+filter+`
		ORDER BY enqueued_at ASC, device_id ASC, sequence ASC
		LIMIT ?
	`, args...)
}

func (s *Store) listEntries(ctx context.Context, query string, args ...any) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.QueueEntry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context, deviceID string) (map[domain.QueueStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_entries WHERE device_id = ? GROUP BY status
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.QueueStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) LastSequence(ctx context.Context, deviceID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM queue_entries WHERE device_id = ?
	`, deviceID).Scan(&last)
	return last, err
}

func (s *Store) PendingDevices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id
		FROM queue_entries
		WHERE status IN ('pending', 'reporting')
		GROUP BY device_id
		ORDER BY MIN(enqueued_at) ASC, device_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]string, 0, 8)
	for rows.Next() {
		var deviceID string
		if err := rows.Scan(&deviceID); err != nil {
			return nil, err
		}
		devices = append(devices, deviceID)
	}
	return devices, rows.Err()
}

func (s *Store) ResetReporting(ctx context.Context, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'pending', updated_at = ? WHERE status = 'reporting'
	`, toMillis(at))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) RecordAttempt(ctx context.Context, attempt domain.SyncAttempt) error {
	payload, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("encode sync attempt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_attempts (entry_id, attempted_at, payload) VALUES (?,?,?)
	`, attempt.EntryID, toMillis(attempt.AttemptedAt), string(payload))
	return err
}

func (s *Store) ListAttempts(ctx context.Context, entryID string) ([]domain.SyncAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM sync_attempts WHERE entry_id = ? ORDER BY id ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]domain.SyncAttempt, 0, 4)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var attempt domain.SyncAttempt
		if err := json.Unmarshal([]byte(payload), &attempt); err != nil {
			return nil, fmt.Errorf("decode sync attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

func (s *Store) PutHold(ctx context.Context, hold domain.DeviceHold) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_holds (device_id, entry_id, sequence, reason, held_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (device_id)
		DO UPDATE SET entry_id = excluded.entry_id, sequence = excluded.sequence,
		              reason = excluded.reason, held_at = excluded.held_at
	`, hold.DeviceID, hold.EntryID, hold.Sequence, hold.Reason, toMillis(hold.HeldAt))
	return err
}

func (s *Store) GetHold(ctx context.Context, deviceID string) (*domain.DeviceHold, error) {
	var (
		hold   domain.DeviceHold
		heldAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, entry_id, sequence, reason, held_at FROM device_holds WHERE device_id = ?
	`, deviceID).Scan(&hold.DeviceID, &hold.EntryID, &hold.Sequence, &hold.Reason, &heldAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	hold.HeldAt = fromMillis(heldAt)
	return &hold, nil
}

func (s *Store) DeleteHold(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_holds WHERE device_id = ?`, deviceID)
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
