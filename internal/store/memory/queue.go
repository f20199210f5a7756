package memory

import (
	"context"
	"sort"
	"strconv"
	"time"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store"
)

func sequenceKey(deviceID string, sequence int64) string {
	return deviceID + "/" + strconv.FormatInt(sequence, 10)
}

func (s *Store) Enqueue(_ context.Context, entry domain.QueueEntry) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	key := sequenceKey(entry.DeviceID, entry.Sequence)
	if _, exists := s.entriesByKey[key]; exists {
		return store.ErrConflict
	}
	if _, exists := s.entriesByID[entry.ID]; exists {
		return store.ErrConflict
	}
	stored := cloneEntry(entry)
	s.entriesByID[entry.ID] = &stored
	s.entriesByKey[key] = entry.ID
	return nil
}

func (s *Store) GetEntry(_ context.Context, id string) (*domain.QueueEntry, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	entry, ok := s.entriesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneEntry(*entry)
	return &out, nil
}

func (s *Store) GetEntryBySequence(_ context.Context, deviceID string, sequence int64) (*domain.QueueEntry, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	id, ok := s.entriesByKey[sequenceKey(deviceID, sequence)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneEntry(*s.entriesByID[id])
	return &out, nil
}

func (s *Store) UpdateEntry(_ context.Context, entry domain.QueueEntry, expected domain.QueueStatus) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	current, ok := s.entriesByID[entry.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Status != expected {
		return store.ErrConflict
	}
	updated := cloneEntry(entry)
	s.entriesByID[entry.ID] = &updated
	return nil
}

func (s *Store) ListDeviceEntries(_ context.Context, deviceID string, statuses []domain.QueueStatus, limit int) ([]domain.QueueEntry, error) {
	s.queueMu.RLock()
	out := make([]domain.QueueEntry, 0)
	for _, entry := range s.entriesByID {
		if entry.DeviceID != deviceID || !store.ContainsStatus(statuses, entry.Status) {
			continue
		}
		out = append(out, cloneEntry(*entry))
	}
	s.queueMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListEntries(_ context.Context, statuses []domain.QueueStatus, limit int) ([]domain.QueueEntry, error) {
	s.queueMu.RLock()
	out := make([]domain.QueueEntry, 0)
	for _, entry := range s.entriesByID {
		if !store.ContainsStatus(statuses, entry.Status) {
			continue
		}
		out = append(out, cloneEntry(*entry))
	}
	s.queueMu.RUnlock()

	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context, deviceID string) (map[domain.QueueStatus]int, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	counts := make(map[domain.QueueStatus]int)
	for _, entry := range s.entriesByID {
		if entry.DeviceID == deviceID {
			counts[entry.Status]++
		}
	}
	return counts, nil
}

func (s *Store) LastSequence(_ context.Context, deviceID string) (int64, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	var last int64
	for _, entry := range s.entriesByID {
		if entry.DeviceID == deviceID && entry.Sequence > last {
			last = entry.Sequence
		}
	}
	return last, nil
}

func (s *Store) PendingDevices(ctx context.Context) ([]string, error) {
	entries, err := s.ListEntries(ctx, []domain.QueueStatus{domain.QueueStatusPending, domain.QueueStatusReporting}, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, entry := range entries {
		if _, ok := seen[entry.DeviceID]; ok {
			continue
		}
		seen[entry.DeviceID] = struct{}{}
		out = append(out, entry.DeviceID)
	}
	return out, nil
}

func (s *Store) ResetReporting(_ context.Context, at time.Time) (int, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	n := 0
	for _, entry := range s.entriesByID {
		if entry.Status != domain.QueueStatusReporting {
			continue
		}
		entry.Status = domain.QueueStatusPending
		entry.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *Store) RecordAttempt(_ context.Context, attempt domain.SyncAttempt) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.attempts[attempt.EntryID] = append(s.attempts[attempt.EntryID], attempt)
	return nil
}

func (s *Store) ListAttempts(_ context.Context, entryID string) ([]domain.SyncAttempt, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	return append([]domain.SyncAttempt(nil), s.attempts[entryID]...), nil
}

func (s *Store) PutHold(_ context.Context, hold domain.DeviceHold) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.holds[hold.DeviceID] = hold
	return nil
}

func (s *Store) GetHold(_ context.Context, deviceID string) (*domain.DeviceHold, error) {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	hold, ok := s.holds[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &hold, nil
}

func (s *Store) DeleteHold(_ context.Context, deviceID string) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if _, ok := s.holds[deviceID]; !ok {
		return store.ErrNotFound
	}
	delete(s.holds, deviceID)
	return nil
}

func sortEntries(entries []domain.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.Sequence < b.Sequence
	})
}

func cloneEntry(src domain.QueueEntry) domain.QueueEntry {
	dst := src
	dst.Invoice = cloneInvoice(src.Invoice)
	if src.LastAttemptAt != nil {
		t := *src.LastAttemptAt
		dst.LastAttemptAt = &t
	}
	if src.AcknowledgedAt != nil {
		t := *src.AcknowledgedAt
		dst.AcknowledgedAt = &t
	}
	return dst
}
