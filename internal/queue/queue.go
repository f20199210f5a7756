// Package queue is the durable offline buffer of invoices awaiting
// acknowledgement by the tax authority.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fiscalpos/backend/internal/alert"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/jurisdiction"
	"fiscalpos/backend/internal/metrics"
	"fiscalpos/backend/internal/store"
	"fiscalpos/backend/internal/xid"
)

var (
	ErrInvalidTransition = errors.New("invalid queue transition")
	ErrDeviceHeld        = errors.New("device queue is held")
	// ErrChainMismatch means a different invoice is already queued under the same sequence.
	ErrChainMismatch = errors.New("queued invoice differs for sequence")
)

var transitions = map[domain.QueueStatus][]domain.QueueStatus{
	domain.QueueStatusPending:   {domain.QueueStatusReporting, domain.QueueStatusExpired},
	domain.QueueStatusReporting: {domain.QueueStatusAcknowledged, domain.QueueStatusPending},
}

func canTransition(from, to domain.QueueStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

var unacknowledged = []domain.QueueStatus{domain.QueueStatusPending, domain.QueueStatusReporting}

// inSequence is what stands between a device and its next report. An
// expired entry still blocks: the authority accepts sequences in order.
var inSequence = []domain.QueueStatus{domain.QueueStatusPending, domain.QueueStatusReporting, domain.QueueStatusExpired}

type Config struct {
	Backoff       Backoff
	WarnAfter     time.Duration
	CriticalAfter time.Duration
	// DefaultBudget applies when an invoice names a jurisdiction with no profile.
	DefaultBudget time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarnAfter <= 0 {
		c.WarnAfter = 20 * time.Hour
	}
	if c.CriticalAfter <= 0 {
		c.CriticalAfter = 23 * time.Hour
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = 24 * time.Hour
	}
	return c
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Queue struct {
	repo     store.QueueRepository
	profiles *jurisdiction.Registry
	notifier alert.Notifier
	cfg      Config
	clock    Clock
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

type Option func(*Queue)

func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(q *Queue) { q.log = log.With().Str("component", "queue").Logger() }
}

func New(repo store.QueueRepository, profiles *jurisdiction.Registry, notifier alert.Notifier, cfg Config, opts ...Option) *Queue {
	if profiles == nil {
		profiles = jurisdiction.NewDefaultRegistry()
	}
	q := &Queue{
		repo:     repo,
		profiles: profiles,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		clock:    systemClock{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) now() time.Time {
	return q.clock.Now().UTC()
}

// Enqueue adds inv as a pending entry. Enqueueing the same invoice again
// returns the existing entry.
func (q *Queue) Enqueue(ctx context.Context, inv domain.Invoice, qrPayload string) (domain.QueueEntry, error) {
	existing, err := q.repo.GetEntryBySequence(ctx, inv.DeviceID, inv.Sequence)
	switch {
	case err == nil:
		if existing.Invoice.ChainHash != inv.ChainHash {
			return domain.QueueEntry{}, fmt.Errorf("%w: %s/%d", ErrChainMismatch, inv.DeviceID, inv.Sequence)
		}
		return *existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return domain.QueueEntry{}, fmt.Errorf("lookup queued invoice: %w", err)
	}

	now := q.now()
	entry := domain.QueueEntry{
		ID:             inv.ID,
		DeviceID:       inv.DeviceID,
		Sequence:       inv.Sequence,
		IdempotencyKey: xid.IdempotencyKey(inv.DeviceID, inv.Sequence),
		Invoice:        inv,
		QRPayload:      qrPayload,
		Status:         domain.QueueStatusPending,
		EnqueuedAt:     now,
		NextAttemptAt:  now,
		UpdatedAt:      now,
	}
	if err := q.repo.Enqueue(ctx, entry); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("enqueue %s/%d: %w", inv.DeviceID, inv.Sequence, err)
	}
	q.metrics.IncQueueTransition(string(domain.QueueStatusPending))
	return entry, nil
}

// PeekDeviceBatch returns up to maxN due entries from the head of the device
// queue without changing them. It stops at an in-flight entry, an expired
// one, or one that is still backing off so later sequences never overtake
// earlier ones.
func (q *Queue) PeekDeviceBatch(ctx context.Context, deviceID string, maxN int) ([]domain.QueueEntry, error) {
	if maxN <= 0 {
		return []domain.QueueEntry{}, nil
	}
	hold, err := q.HoldFor(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if hold != nil {
		return []domain.QueueEntry{}, nil
	}

	entries, err := q.repo.ListDeviceEntries(ctx, deviceID, inSequence, maxN)
	if err != nil {
		return nil, err
	}
	now := q.now()
	out := make([]domain.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Status != domain.QueueStatusPending || entry.NextAttemptAt.After(now) {
			break
		}
		out = append(out, entry)
	}
	return out, nil
}

// PeekBatch returns up to maxN due entries across devices, oldest device first,
// each device contributing its head in sequence order.
func (q *Queue) PeekBatch(ctx context.Context, maxN int) ([]domain.QueueEntry, error) {
	devices, err := q.repo.PendingDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.QueueEntry, 0, maxN)
	for _, deviceID := range devices {
		if len(out) >= maxN {
			break
		}
		batch, err := q.PeekDeviceBatch(ctx, deviceID, maxN-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (q *Queue) transition(ctx context.Context, id string, to domain.QueueStatus, mutate func(*domain.QueueEntry)) (domain.QueueEntry, error) {
	entry, err := q.repo.GetEntry(ctx, id)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	from := entry.Status
	if !canTransition(from, to) {
		return domain.QueueEntry{}, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, from, to, id)
	}
	entry.Status = to
	entry.UpdatedAt = q.now()
	if mutate != nil {
		mutate(entry)
	}
	if err := q.repo.UpdateEntry(ctx, *entry, from); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.QueueEntry{}, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
		}
		return domain.QueueEntry{}, err
	}
	q.metrics.IncQueueTransition(string(to))
	return *entry, nil
}

func (q *Queue) MarkReporting(ctx context.Context, id string) (domain.QueueEntry, error) {
	entry, err := q.repo.GetEntry(ctx, id)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	hold, err := q.HoldFor(ctx, entry.DeviceID)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if hold != nil {
		return domain.QueueEntry{}, fmt.Errorf("%w: %s: %s", ErrDeviceHeld, entry.DeviceID, hold.Reason)
	}
	now := q.now()
	return q.transition(ctx, id, domain.QueueStatusReporting, func(e *domain.QueueEntry) {
		e.LastAttemptAt = &now
	})
}

func (q *Queue) MarkAcknowledged(ctx context.Context, id string, reference string) error {
	now := q.now()
	_, err := q.transition(ctx, id, domain.QueueStatusAcknowledged, func(e *domain.QueueEntry) {
		e.AcknowledgedAt = &now
		e.AuthorityReference = reference
		e.LastError = ""
	})
	return err
}

// MarkFailed returns an in-flight entry to pending after a retryable failure
// and schedules the next attempt with exponential backoff.
func (q *Queue) MarkFailed(ctx context.Context, id string, reason string) (domain.QueueEntry, error) {
	now := q.now()
	return q.transition(ctx, id, domain.QueueStatusPending, func(e *domain.QueueEntry) {
		e.Attempts++
		e.LastError = reason
		e.NextAttemptAt = now.Add(q.cfg.Backoff.Delay(e.Attempts))
	})
}

// MarkRejected records a non-retryable failure and holds the device queue
// until an operator resumes it.
func (q *Queue) MarkRejected(ctx context.Context, id string, reason string) (domain.QueueEntry, error) {
	now := q.now()
	entry, err := q.transition(ctx, id, domain.QueueStatusPending, func(e *domain.QueueEntry) {
		e.Attempts++
		e.LastError = reason
		e.NextAttemptAt = now
	})
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if err := q.Hold(ctx, entry, reason); err != nil {
		return entry, err
	}
	return entry, nil
}

func (q *Queue) Hold(ctx context.Context, entry domain.QueueEntry, reason string) error {
	now := q.now()
	hold := domain.DeviceHold{
		DeviceID: entry.DeviceID,
		EntryID:  entry.ID,
		Sequence: entry.Sequence,
		Reason:   reason,
		HeldAt:   now,
	}
	if err := q.repo.PutHold(ctx, hold); err != nil {
		return fmt.Errorf("hold device %s: %w", entry.DeviceID, err)
	}
	q.log.Error().Str("device_id", entry.DeviceID).Int64("sequence", entry.Sequence).Str("reason", reason).Msg("device queue held")
	q.raise(ctx, entry, domain.SeverityCritical, "reporting halted: "+reason, now)
	return nil
}

// Resume lifts the device hold. Expired entries of the device go back to
// pending as late submissions so the gap they leave is reported first; they
// keep their violation flag and are never expired again.
func (q *Queue) Resume(ctx context.Context, deviceID string) error {
	if _, err := q.repo.GetHold(ctx, deviceID); err != nil {
		return fmt.Errorf("resume %s: %w", deviceID, err)
	}
	late, err := q.reopenExpired(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", deviceID, err)
	}
	if err := q.repo.DeleteHold(ctx, deviceID); err != nil {
		return fmt.Errorf("resume %s: %w", deviceID, err)
	}
	q.log.Info().Str("device_id", deviceID).Int("late_submissions", late).Msg("device queue resumed")
	return nil
}

func (q *Queue) reopenExpired(ctx context.Context, deviceID string) (int, error) {
	expired, err := q.repo.ListDeviceEntries(ctx, deviceID, []domain.QueueStatus{domain.QueueStatusExpired}, 0)
	if err != nil {
		return 0, err
	}
	now := q.now()
	for _, entry := range expired {
		entry.Status = domain.QueueStatusPending
		entry.LateSubmission = true
		entry.NextAttemptAt = now
		entry.UpdatedAt = now
		if err := q.repo.UpdateEntry(ctx, entry, domain.QueueStatusExpired); err != nil {
			return 0, fmt.Errorf("reopen sequence %d: %w", entry.Sequence, err)
		}
	}
	return len(expired), nil
}

// holdExpired stops the device at the first expired sequence. A hold on an
// earlier sequence is left alone.
func (q *Queue) holdExpired(ctx context.Context, entry domain.QueueEntry, reason string) error {
	existing, err := q.HoldFor(ctx, entry.DeviceID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Sequence <= entry.Sequence {
		return nil
	}
	hold := domain.DeviceHold{
		DeviceID: entry.DeviceID,
		EntryID:  entry.ID,
		Sequence: entry.Sequence,
		Reason:   reason,
		HeldAt:   q.now(),
	}
	if err := q.repo.PutHold(ctx, hold); err != nil {
		return err
	}
	q.log.Error().Str("device_id", entry.DeviceID).Int64("sequence", entry.Sequence).Msg("device queue held on expired invoice")
	return nil
}

func (q *Queue) HoldFor(ctx context.Context, deviceID string) (*domain.DeviceHold, error) {
	hold, err := q.repo.GetHold(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return hold, err
}

func (q *Queue) age(entry domain.QueueEntry, now time.Time) time.Duration {
	origin := entry.EnqueuedAt
	if issued := entry.Invoice.IssuedAt; !issued.IsZero() && issued.Before(origin) {
		origin = issued
	}
	return now.Sub(origin)
}

func (q *Queue) AgeOfOldestPending(ctx context.Context, deviceID string) (time.Duration, error) {
	entries, err := q.repo.ListDeviceEntries(ctx, deviceID, unacknowledged, 1)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return q.age(entries[0], q.now()), nil
}

type SweepResult struct {
	Warned   int
	Critical int
	Expired  int
}

// Sweep escalates alerts for ageing entries and expires pending entries past
// their jurisdiction budget. An entry is only expired after its alert was
// delivered; otherwise it stays pending and the next sweep retries. Expiry
// holds the device until an operator resumes it. Late submissions are not
// expired twice.
func (q *Queue) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	entries, err := q.repo.ListEntries(ctx, unacknowledged, 0)
	if err != nil {
		return res, err
	}
	now := q.now()
	oldest := make(map[string]time.Duration)

	for _, entry := range entries {
		age := q.age(entry, now)
		if age > oldest[entry.DeviceID] {
			oldest[entry.DeviceID] = age
		}
		budget := q.profiles.OfflineBudget(entry.Invoice.Jurisdiction, q.cfg.DefaultBudget)

		switch {
		case entry.LateSubmission:
			// already alerted as a violation
		case age > budget && entry.Status == domain.QueueStatusPending:
			reason := fmt.Sprintf("offline budget of %s exceeded", budget)
			if err := q.raise(ctx, entry, domain.SeverityViolation, reason, now); err != nil {
				continue
			}
			_, err := q.transition(ctx, entry.ID, domain.QueueStatusExpired, func(e *domain.QueueEntry) {
				e.AlertLevel = domain.SeverityViolation
				e.LastError = reason
			})
			if err != nil {
				q.log.Error().Err(err).Str("entry_id", entry.ID).Msg("expire entry")
				continue
			}
			res.Expired++
			hold := fmt.Sprintf("sequence %d expired unreported, resume to submit late", entry.Sequence)
			if err := q.holdExpired(ctx, entry, hold); err != nil {
				q.log.Error().Err(err).Str("entry_id", entry.ID).Msg("hold expired device")
			}
		case age >= q.cfg.CriticalAfter && entry.AlertLevel.Rank() < domain.SeverityCritical.Rank():
			if q.escalate(ctx, entry, domain.SeverityCritical, age, now) {
				res.Critical++
			}
		case age >= q.cfg.WarnAfter && entry.AlertLevel.Rank() < domain.SeverityWarning.Rank():
			if q.escalate(ctx, entry, domain.SeverityWarning, age, now) {
				res.Warned++
			}
		}
	}
	for deviceID, age := range oldest {
		q.metrics.SetOldestPendingAge(deviceID, age)
	}
	return res, nil
}

func (q *Queue) escalate(ctx context.Context, entry domain.QueueEntry, severity domain.Severity, age time.Duration, now time.Time) bool {
	reason := fmt.Sprintf("invoice unreported for %.1fh", age.Hours())
	if err := q.raise(ctx, entry, severity, reason, now); err != nil {
		return false
	}
	entry.AlertLevel = severity
	entry.UpdatedAt = now
	if err := q.repo.UpdateEntry(ctx, entry, entry.Status); err != nil {
		q.log.Warn().Err(err).Str("entry_id", entry.ID).Msg("record alert level")
	}
	return true
}

func (q *Queue) raise(ctx context.Context, entry domain.QueueEntry, severity domain.Severity, reason string, now time.Time) error {
	if q.notifier == nil {
		return errors.New("queue: no alert notifier configured")
	}
	a := domain.Alert{
		DeviceID:  entry.DeviceID,
		InvoiceID: entry.ID,
		Sequence:  entry.Sequence,
		Severity:  severity,
		Reason:    reason,
		AgeHours:  q.age(entry, now).Hours(),
		RaisedAt:  now,
	}
	if err := q.notifier.Notify(ctx, a); err != nil {
		q.log.Error().Err(err).Str("device_id", entry.DeviceID).Str("severity", string(severity)).Msg("alert not delivered")
		return err
	}
	return nil
}

// Recover resets entries left in flight by a previous process to pending.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.repo.ResetReporting(ctx, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warn().Int("entries", n).Msg("recovered in-flight entries to pending")
	}
	return n, nil
}

// ExpediteRetries makes every backing-off pending entry due now. It is used
// once the authority is known to be reachable again.
func (q *Queue) ExpediteRetries(ctx context.Context) (int, error) {
	entries, err := q.repo.ListEntries(ctx, []domain.QueueStatus{domain.QueueStatusPending}, 0)
	if err != nil {
		return 0, err
	}
	now := q.now()
	n := 0
	for _, entry := range entries {
		if !entry.NextAttemptAt.After(now) {
			continue
		}
		entry.NextAttemptAt = now
		entry.UpdatedAt = now
		if err := q.repo.UpdateEntry(ctx, entry, domain.QueueStatusPending); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *Queue) Status(ctx context.Context, deviceID string) (domain.QueueStatusReport, error) {
	report := domain.QueueStatusReport{DeviceID: deviceID}
	counts, err := q.repo.CountByStatus(ctx, deviceID)
	if err != nil {
		return report, err
	}
	report.Pending = counts[domain.QueueStatusPending]
	report.Reporting = counts[domain.QueueStatusReporting]
	report.Acknowledged = counts[domain.QueueStatusAcknowledged]
	report.Expired = counts[domain.QueueStatusExpired]

	if report.LastSequence, err = q.repo.LastSequence(ctx, deviceID); err != nil {
		return report, err
	}
	age, err := q.AgeOfOldestPending(ctx, deviceID)
	if err != nil {
		return report, err
	}
	report.OldestPendingAge = age.Hours()
	if report.Hold, err = q.HoldFor(ctx, deviceID); err != nil {
		return report, err
	}
	return report, nil
}

func (q *Queue) Entry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return q.repo.GetEntry(ctx, id)
}

func (q *Queue) EntryBySequence(ctx context.Context, deviceID string, sequence int64) (*domain.QueueEntry, error) {
	return q.repo.GetEntryBySequence(ctx, deviceID, sequence)
}

func (q *Queue) LastSequence(ctx context.Context, deviceID string) (int64, error) {
	return q.repo.LastSequence(ctx, deviceID)
}

func (q *Queue) PendingDevices(ctx context.Context) ([]string, error) {
	return q.repo.PendingDevices(ctx)
}

func (q *Queue) RecordAttempt(ctx context.Context, attempt domain.SyncAttempt) error {
	if attempt.ID == "" {
		attempt.ID = xid.New("att")
	}
	return q.repo.RecordAttempt(ctx, attempt)
}

func (q *Queue) Attempts(ctx context.Context, entryID string) ([]domain.SyncAttempt, error) {
	return q.repo.ListAttempts(ctx, entryID)
}
