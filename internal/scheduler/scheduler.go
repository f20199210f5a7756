// Package scheduler drains the offline queue to the tax authority.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fiscalpos/backend/internal/clock"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/metrics"
	"fiscalpos/backend/internal/queue"
	"fiscalpos/backend/internal/reporting"
)

var ErrCycleRunning = errors.New("sync cycle already running")

type Config struct {
	Interval    time.Duration
	Workers     int
	BatchSize   int
	CallTimeout time.Duration
	// ReconnectInterval is how often the authority is pinged while
	// reporting is failing.
	ReconnectInterval time.Duration
	// ClockRefresh is how old the clock offset may get while reporting
	// is healthy.
	ClockRefresh time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 30 * time.Second
	}
	if c.ClockRefresh <= 0 {
		c.ClockRefresh = time.Hour
	}
	return c
}

// Verifier re-checks a stored invoice before it leaves the terminal.
type Verifier interface {
	VerifyInvoice(ctx context.Context, inv domain.Invoice) error
}

// Reconciler re-enqueues ledger invoices missing from the queue.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type ClockObserver interface {
	Observe(ctx context.Context, serverTime time.Time)
}

// ClockSyncer is an observer that can correct itself against a time source,
// taking the round trip into account.
type ClockSyncer interface {
	Sync(ctx context.Context, src clock.TimeSource) error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Scheduler struct {
	queue      *queue.Queue
	reporter   reporting.Reporter
	verifier   Verifier
	breaker    *reporting.CircuitBreaker
	reconciler Reconciler
	observer   ClockObserver
	clock      Clock
	metrics    *metrics.Metrics
	log        zerolog.Logger
	cfg        Config

	cycleMu   sync.Mutex
	kick      chan struct{}
	offline   atomic.Bool
	clockSync atomic.Int64
}

type Option func(*Scheduler)

func WithVerifier(v Verifier) Option {
	return func(s *Scheduler) { s.verifier = v }
}

func WithBreaker(cb *reporting.CircuitBreaker) Option {
	return func(s *Scheduler) { s.breaker = cb }
}

func WithReconciler(r Reconciler) Option {
	return func(s *Scheduler) { s.reconciler = r }
}

// WithClockObserver feeds authority timestamps from responses back to obs.
func WithClockObserver(obs ClockObserver) Option {
	return func(s *Scheduler) { s.observer = obs }
}

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log.With().Str("component", "scheduler").Logger() }
}

func New(q *queue.Queue, reporter reporting.Reporter, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:    q,
		reporter: reporter,
		clock:    systemClock{},
		log:      zerolog.Nop(),
		cfg:      cfg.withDefaults(),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clockSync.Store(s.clock.Now().UnixNano())
	return s
}

// Kick requests a cycle as soon as possible. It never blocks.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run recovers in-flight entries, then runs a cycle on every tick or kick
// until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	reconnect := time.NewTicker(s.cfg.ReconnectInterval)
	defer reconnect.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.kick:
			s.runOnce(ctx)
		case <-reconnect.C:
			_ = s.CheckAuthority(ctx)
		}
	}
}

// Offline reports whether the last cycle found the authority unreachable.
func (s *Scheduler) Offline() bool {
	return s.offline.Load()
}

// CheckAuthority asks the authority for its time. While offline, an answer
// means connectivity is back: backoffs are cut short, the breaker closes and
// a cycle is kicked. While online it only refreshes a stale clock offset.
func (s *Scheduler) CheckAuthority(ctx context.Context) error {
	src, ok := s.reporter.(reporting.TimeSource)
	if !ok {
		return nil
	}
	offline := s.offline.Load()
	if !offline && s.clock.Now().Sub(time.Unix(0, s.clockSync.Load())) < s.cfg.ClockRefresh {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	var err error
	if syncer, ok := s.observer.(ClockSyncer); ok {
		err = syncer.Sync(callCtx, src)
	} else {
		var serverTime time.Time
		serverTime, err = src.ServerTime(callCtx)
		if err == nil && s.observer != nil {
			s.observer.Observe(ctx, serverTime)
		}
	}
	if err != nil {
		if !offline {
			s.log.Warn().Err(err).Msg("clock refresh failed")
		}
		return err
	}
	s.clockSync.Store(s.clock.Now().UnixNano())
	if !offline {
		return nil
	}

	s.offline.Store(false)
	s.breaker.Reset()
	n, err := s.queue.ExpediteRetries(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("expedite retries")
	}
	s.log.Info().Int("expedited", n).Msg("authority reachable again")
	s.Kick()
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.RunSyncCycle(ctx); err != nil && !errors.Is(err, ErrCycleRunning) && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("sync cycle failed")
	}
}

// RunSyncCycle reports every due entry once. Devices drain in parallel; each
// device drains strictly in sequence order and stops at its first failure.
func (s *Scheduler) RunSyncCycle(ctx context.Context) (domain.SyncResult, error) {
	if !s.cycleMu.TryLock() {
		return domain.SyncResult{}, ErrCycleRunning
	}
	defer s.cycleMu.Unlock()

	started := s.clock.Now()
	result := domain.SyncResult{StartedAt: started.UTC()}

	if s.reconciler != nil {
		n, err := s.reconciler.Reconcile(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("reconcile ledger with queue")
		}
		result.Enqueued = n
	}

	sweep, err := s.queue.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep queue")
	}
	result.Expired = sweep.Expired

	devices, err := s.queue.PendingDevices(ctx)
	if err != nil {
		return result, fmt.Errorf("list pending devices: %w", err)
	}
	result.Devices = len(devices)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, deviceID := range devices {
		g.Go(func() error {
			dr := s.drainDevice(gctx, deviceID)
			mu.Lock()
			result.Reported += dr.Reported
			result.Acknowledged += dr.Acknowledged
			result.Retried += dr.Retried
			result.Held += dr.Held
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	open := s.breaker.State() == reporting.BreakerOpen
	result.CircuitOpen = open
	switch {
	case open:
		s.offline.Store(true)
	case result.Reported > 0:
		s.offline.Store(result.Retried == result.Reported)
	}
	result.FinishedAt = s.clock.Now().UTC()
	s.metrics.SetCircuitBreakerState(open)
	s.metrics.ObserveSyncCycle(result.FinishedAt.Sub(started))

	s.log.Info().
		Int("devices", result.Devices).
		Int("reported", result.Reported).
		Int("acknowledged", result.Acknowledged).
		Int("retried", result.Retried).
		Int("held", result.Held).
		Int("expired", result.Expired).
		Int("enqueued", result.Enqueued).
		Bool("circuit_open", result.CircuitOpen).
		Msg("sync cycle finished")
	return result, ctx.Err()
}

type step int

const (
	stepAcknowledged step = iota
	stepRetry
	stepHeld
	stepSkipped
)

func (s *Scheduler) drainDevice(ctx context.Context, deviceID string) domain.SyncResult {
	var dr domain.SyncResult
	log := s.log.With().Str("device_id", deviceID).Logger()

	batch, err := s.queue.PeekDeviceBatch(ctx, deviceID, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("peek device queue")
		return dr
	}
	for _, entry := range batch {
		if ctx.Err() != nil {
			return dr
		}
		st, reported := s.reportEntry(ctx, entry, log)
		if reported {
			dr.Reported++
		}
		switch st {
		case stepAcknowledged:
			dr.Acknowledged++
			continue
		case stepRetry:
			dr.Retried++
		case stepHeld:
			dr.Held++
		}
		return dr
	}
	return dr
}

func (s *Scheduler) reportEntry(ctx context.Context, entry domain.QueueEntry, log zerolog.Logger) (step, bool) {
	log = log.With().Int64("sequence", entry.Sequence).Str("entry_id", entry.ID).Logger()
	// state changes after a call must land even if the cycle is being cancelled
	persistCtx := context.WithoutCancel(ctx)

	if s.verifier != nil {
		if err := s.verifier.VerifyInvoice(ctx, entry.Invoice); err != nil {
			log.Error().Err(err).Msg("queued invoice failed integrity check")
			if herr := s.queue.Hold(persistCtx, entry, "integrity check failed: "+err.Error()); herr != nil {
				log.Error().Err(herr).Msg("hold device")
			}
			return stepHeld, false
		}
	}

	if !s.breaker.Allow() {
		log.Debug().Msg("authority circuit open, skipping")
		return stepSkipped, false
	}

	inflight, err := s.queue.MarkReporting(ctx, entry.ID)
	if err != nil {
		s.breaker.Release()
		log.Warn().Err(err).Msg("claim entry")
		return stepSkipped, false
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	started := s.clock.Now()
	res, err := s.reporter.Report(callCtx, domain.ReportRequest{
		IdempotencyKey: inflight.IdempotencyKey,
		Invoice:        inflight.Invoice,
		QRPayload:      inflight.QRPayload,
	})
	cancel()

	attempt := domain.SyncAttempt{
		EntryID:        inflight.ID,
		DeviceID:       inflight.DeviceID,
		Sequence:       inflight.Sequence,
		IdempotencyKey: inflight.IdempotencyKey,
		AttemptedAt:    started.UTC(),
		DurationMillis: s.clock.Now().Sub(started).Milliseconds(),
	}

	if err != nil {
		s.breaker.RecordFailure()
		attempt.Outcome = domain.OutcomeError
		attempt.Reason = err.Error()
		s.record(persistCtx, attempt, log)
		if _, ferr := s.queue.MarkFailed(persistCtx, inflight.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("return entry to pending")
		}
		log.Warn().Err(err).Bool("retryable", reporting.IsRetryable(err)).Msg("report failed, will retry")
		return stepRetry, true
	}

	s.breaker.RecordSuccess()
	if res.ServerTime != nil && s.observer != nil {
		s.observer.Observe(persistCtx, *res.ServerTime)
	}
	attempt.Outcome = res.Outcome
	attempt.Reason = res.Reason
	s.record(persistCtx, attempt, log)

	if reason, ok := rejection(inflight, res); ok {
		rerr := fmt.Errorf("%w: %s", reporting.ErrRejected, reason)
		log.Error().Err(rerr).Msg("authority rejected invoice, holding device")
		if _, merr := s.queue.MarkRejected(persistCtx, inflight.ID, reason); merr != nil {
			log.Error().Err(merr).Msg("hold device after rejection")
		}
		return stepHeld, true
	}

	if res.Outcome != domain.OutcomeAccepted && res.Outcome != domain.OutcomeDuplicate {
		reason := fmt.Sprintf("unexpected authority outcome %q", res.Outcome)
		if _, ferr := s.queue.MarkFailed(persistCtx, inflight.ID, reason); ferr != nil {
			log.Error().Err(ferr).Msg("return entry to pending")
		}
		return stepRetry, true
	}

	if err := s.queue.MarkAcknowledged(persistCtx, inflight.ID, res.Reference); err != nil {
		log.Error().Err(err).Msg("acknowledge entry")
		return stepSkipped, true
	}
	log.Debug().Str("outcome", string(res.Outcome)).Msg("invoice acknowledged")
	return stepAcknowledged, true
}

// rejection reports whether res is a final refusal of this exact invoice.
func rejection(entry domain.QueueEntry, res domain.ReportResult) (string, bool) {
	switch res.Outcome {
	case domain.OutcomeRejected:
		if res.Reason == "" {
			return "rejected by authority", true
		}
		return res.Reason, true
	case domain.OutcomeDuplicate:
		if res.OriginalOutcome == domain.OutcomeRejected {
			return "authority previously rejected this invoice: " + res.Reason, true
		}
		if res.ChainHash != "" && res.ChainHash != entry.Invoice.ChainHash {
			return fmt.Sprintf("authority holds a different invoice for sequence %d", entry.Sequence), true
		}
	}
	return "", false
}

func (s *Scheduler) record(ctx context.Context, attempt domain.SyncAttempt, log zerolog.Logger) {
	s.metrics.IncReportOutcome(string(attempt.Outcome))
	if err := s.queue.RecordAttempt(ctx, attempt); err != nil {
		log.Warn().Err(err).Msg("record sync attempt")
	}
}
