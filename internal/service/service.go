package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"fiscalpos/backend/internal/alert"
	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/jurisdiction"
	"fiscalpos/backend/internal/ledger"
	"fiscalpos/backend/internal/qr"
	"fiscalpos/backend/internal/queue"
	"fiscalpos/backend/internal/store"
	"fiscalpos/backend/internal/tax"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrForbidden      = errors.New("operator role required")
	ErrSyncDisabled   = errors.New("sync scheduler not configured")
)

const defaultReconcileWindow = 1000

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Syncer is the part of the sync scheduler the service drives.
type Syncer interface {
	Kick()
	RunSyncCycle(ctx context.Context) (domain.SyncResult, error)
}

type Config struct {
	Seller              domain.Seller
	DefaultJurisdiction string
	// ReconcileWindow is how many of each device's latest invoices Reconcile checks.
	ReconcileWindow int64
}

type Service struct {
	profiles *jurisdiction.Registry
	tax      *tax.Engine
	ledger   *ledger.Ledger
	encoder  *qr.Encoder
	queue    *queue.Queue
	alerts   *alert.Recorder
	syncer   Syncer
	cfg      Config
	log      zerolog.Logger
}

type Option func(*Service)

func WithAlertHistory(r *alert.Recorder) Option {
	return func(s *Service) { s.alerts = r }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log.With().Str("component", "service").Logger() }
}

func New(profiles *jurisdiction.Registry, l *ledger.Ledger, enc *qr.Encoder, q *queue.Queue, cfg Config, opts ...Option) *Service {
	if profiles == nil {
		profiles = jurisdiction.NewDefaultRegistry()
	}
	if cfg.DefaultJurisdiction == "" {
		cfg.DefaultJurisdiction = "SA"
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = defaultReconcileWindow
	}
	s := &Service{
		profiles: profiles,
		tax:      tax.NewEngine(profiles),
		ledger:   l,
		encoder:  enc,
		queue:    q,
		cfg:      cfg,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSyncer attaches the scheduler once it exists; the scheduler itself
// reconciles through the service.
func (s *Service) SetSyncer(syncer Syncer) {
	s.syncer = syncer
}

// IssueInvoice prices, chains, encodes and queues a sale. Once the ledger
// append succeeds the invoice exists; a failed enqueue is left to Reconcile.
func (s *Service) IssueInvoice(ctx context.Context, req domain.IssueInvoiceRequest) (domain.IssueInvoiceResponse, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return domain.IssueInvoiceResponse{}, fmt.Errorf("%w: device_id is required", ErrInvalidRequest)
	}
	code := strings.ToUpper(strings.TrimSpace(req.Jurisdiction))
	if code == "" {
		code = s.cfg.DefaultJurisdiction
	}
	profile, err := s.profiles.Lookup(code)
	if err != nil {
		return domain.IssueInvoiceResponse{}, err
	}

	if req.Kind == "" {
		req.Kind = domain.InvoiceKindRetail
	}
	if !req.Kind.Valid() {
		return domain.IssueInvoiceResponse{}, fmt.Errorf("%w: unknown invoice kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "cash"
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.IssueInvoiceResponse{}, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidRequest, req.PaymentMethod)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, profile.Currency) {
		return domain.IssueInvoiceResponse{}, fmt.Errorf("%w: %s invoices are issued in %s", ErrInvalidRequest, profile.Code, profile.Currency)
	}
	if req.Kind == domain.InvoiceKindBusiness && strings.TrimSpace(req.BuyerTaxID) == "" {
		return domain.IssueInvoiceResponse{}, fmt.Errorf("%w: business invoices need a buyer tax id", ErrInvalidRequest)
	}
	if err := qr.ValidateSeller(s.cfg.Seller); err != nil {
		return domain.IssueInvoiceResponse{}, fmt.Errorf("seller identity: %w", err)
	}

	computed, err := s.tax.Compute(profile.Code, req.Items)
	if err != nil {
		return domain.IssueInvoiceResponse{}, err
	}

	inv, err := s.ledger.Append(ctx, deviceID, domain.InvoiceDraft{
		Kind:          req.Kind,
		Jurisdiction:  profile.Code,
		Currency:      profile.Currency,
		PaymentMethod: req.PaymentMethod,
		Seller:        s.cfg.Seller,
		BuyerName:     strings.TrimSpace(req.BuyerName),
		BuyerTaxID:    strings.TrimSpace(req.BuyerTaxID),
		Items:         computed.Lines,
		Breakdown:     computed.Breakdown,
		Totals:        computed.Totals,
	})
	if err != nil {
		return domain.IssueInvoiceResponse{}, err
	}

	resp := domain.IssueInvoiceResponse{Invoice: inv}
	log := s.log.With().Str("device_id", deviceID).Int64("sequence", inv.Sequence).Logger()

	payload, err := s.encoder.Encode(inv)
	if err != nil {
		log.Error().Err(err).Msg("encode qr payload, invoice left for reconciliation")
		return resp, nil
	}
	resp.QRPayload = payload

	if _, err := s.queue.Enqueue(ctx, inv, payload); err != nil {
		log.Warn().Err(err).Msg("enqueue failed, invoice left for reconciliation")
		return resp, nil
	}
	resp.Queued = true

	if req.Kind == domain.InvoiceKindBusiness && profile.BusinessMode == jurisdiction.ModeClearance && s.syncer != nil {
		s.syncer.Kick()
	}
	return resp, nil
}

// Reconcile enqueues ledger invoices that never reached the queue, such as
// after a crash between append and enqueue.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	states, err := s.ledger.States(ctx)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, state := range states {
		if state.LastSequence == 0 {
			continue
		}
		from := state.LastSequence - s.cfg.ReconcileWindow + 1
		if from < 1 {
			from = 1
		}
		invoices, err := s.ledger.Invoices(ctx, state.DeviceID, from, state.LastSequence)
		if err != nil {
			return enqueued, fmt.Errorf("reconcile %s: %w", state.DeviceID, err)
		}
		for _, inv := range invoices {
			_, err := s.queue.EntryBySequence(ctx, inv.DeviceID, inv.Sequence)
			if err == nil {
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return enqueued, err
			}
			payload, err := s.encoder.Encode(inv)
			if err != nil {
				return enqueued, fmt.Errorf("encode %s/%d: %w", inv.DeviceID, inv.Sequence, err)
			}
			if _, err := s.queue.Enqueue(ctx, inv, payload); err != nil {
				return enqueued, err
			}
			enqueued++
			s.log.Warn().Str("device_id", inv.DeviceID).Int64("sequence", inv.Sequence).Msg("reconciled missing queue entry")
		}
	}
	return enqueued, nil
}

func (s *Service) GetInvoice(ctx context.Context, deviceID string, sequence int64) (domain.InvoiceDetail, error) {
	inv, err := s.ledger.Invoice(ctx, deviceID, sequence)
	if err != nil {
		return domain.InvoiceDetail{}, err
	}
	detail := domain.InvoiceDetail{Invoice: *inv}

	entry, err := s.queue.EntryBySequence(ctx, deviceID, sequence)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return detail, nil
	case err != nil:
		return domain.InvoiceDetail{}, err
	}
	detail.QRPayload = entry.QRPayload
	detail.QueueStatus = entry.Status
	detail.Attempts = entry.Attempts
	detail.AuthorityReference = entry.AuthorityReference
	if detail.History, err = s.queue.Attempts(ctx, entry.ID); err != nil {
		return domain.InvoiceDetail{}, err
	}
	return detail, nil
}

func (s *Service) VerifyChain(ctx context.Context, deviceID string, from, to int64) (domain.ChainReport, error) {
	return s.ledger.VerifyChain(ctx, deviceID, from, to)
}

func (s *Service) QueueStatus(ctx context.Context, deviceID string) (domain.QueueStatusReport, error) {
	if strings.TrimSpace(deviceID) == "" {
		return domain.QueueStatusReport{}, fmt.Errorf("%w: device_id is required", ErrInvalidRequest)
	}
	return s.queue.Status(ctx, deviceID)
}

func (s *Service) Devices(ctx context.Context) ([]domain.LedgerState, error) {
	return s.ledger.States(ctx)
}

// ResumeDevice lifts a reporting hold after an operator has dealt with the
// rejected invoice, or submits expired invoices late.
func (s *Service) ResumeDevice(ctx context.Context, deviceID string) error {
	if err := requireOperator(ctx); err != nil {
		return err
	}
	if err := s.queue.Resume(ctx, deviceID); err != nil {
		return err
	}
	if s.syncer != nil {
		s.syncer.Kick()
	}
	return nil
}

// ClearLedgerHalt re-verifies the device chain and lifts the halt if it holds.
func (s *Service) ClearLedgerHalt(ctx context.Context, deviceID string) (domain.ChainReport, error) {
	if err := requireOperator(ctx); err != nil {
		return domain.ChainReport{}, err
	}
	return s.ledger.ClearHalt(ctx, deviceID)
}

func (s *Service) RunSync(ctx context.Context) (domain.SyncResult, error) {
	if s.syncer == nil {
		return domain.SyncResult{}, ErrSyncDisabled
	}
	return s.syncer.RunSyncCycle(ctx)
}

func (s *Service) Alerts(limit int) []domain.Alert {
	if s.alerts == nil {
		return []domain.Alert{}
	}
	return s.alerts.List(limit)
}

func requireOperator(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		// CLI and internal callers carry no actor
		return nil
	}
	if actor.Role != domain.RoleAdmin && actor.Role != domain.RoleOperator {
		return ErrForbidden
	}
	return nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "transfer", "wallet":
		return true
	default:
		return false
	}
}
