package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"fiscalpos/backend/internal/domain"
)

var errSandboxOffline = &RetryableError{Err: errors.New("sandbox offline")}

type sandboxRecord struct {
	outcome   domain.ReportOutcome
	chainHash string
	reference string
}

// Sandbox is an in-process stand-in for the authority. It accepts each
// device's invoices strictly in sequence order, answers repeated idempotency
// keys with the original outcome, and can inject failures for drills.
type Sandbox struct {
	mu       sync.Mutex
	now      func() time.Time
	records  map[string]sandboxRecord
	accepted map[string]int64
	rejects  map[string]string
	failNext int
	offline  bool
	lose     int
	latency  time.Duration
	calls    int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		now:      time.Now,
		records:  make(map[string]sandboxRecord),
		accepted: make(map[string]int64),
		rejects:  make(map[string]string),
	}
}

func (s *Sandbox) WithNow(now func() time.Time) *Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
	return s
}

// FailNext makes the next n calls fail with a 503 before any processing.
func (s *Sandbox) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// SetOffline makes every call, the time endpoint included, fail as an
// unreachable authority until it is switched back.
func (s *Sandbox) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// LoseResponses makes the next n calls process the invoice and then fail as
// if the response never arrived.
func (s *Sandbox) LoseResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lose = n
}

func (s *Sandbox) RejectSequence(deviceID string, sequence int64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[sandboxKey(deviceID, sequence)] = reason
}

// SetLatency delays every call by d, honouring the caller's deadline.
func (s *Sandbox) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Accepted returns the highest sequence accepted for deviceID.
func (s *Sandbox) Accepted(deviceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[deviceID]
}

func (s *Sandbox) Report(ctx context.Context, req domain.ReportRequest) (domain.ReportResult, error) {
	s.mu.Lock()
	s.calls++
	latency := s.latency
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.ReportResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return domain.ReportResult{}, errSandboxOffline
	}
	if s.failNext > 0 {
		s.failNext--
		return domain.ReportResult{}, &RetryableError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("sandbox unavailable")}
	}

	now := s.now().UTC()
	inv := req.Invoice
	if req.IdempotencyKey == "" {
		return s.answer(domain.ReportResult{Outcome: domain.OutcomeRejected, Reason: "missing idempotency key"}, now), nil
	}
	if rec, ok := s.records[req.IdempotencyKey]; ok {
		return s.answer(domain.ReportResult{
			Outcome:         domain.OutcomeDuplicate,
			OriginalOutcome: rec.outcome,
			ChainHash:       rec.chainHash,
			Reference:       rec.reference,
		}, now), nil
	}

	if reason, ok := s.rejects[sandboxKey(inv.DeviceID, inv.Sequence)]; ok {
		s.records[req.IdempotencyKey] = sandboxRecord{outcome: domain.OutcomeRejected, chainHash: inv.ChainHash}
		return s.answer(domain.ReportResult{Outcome: domain.OutcomeRejected, Reason: reason}, now), nil
	}
	if expected := s.accepted[inv.DeviceID] + 1; inv.Sequence != expected {
		return s.answer(domain.ReportResult{
			Outcome: domain.OutcomeRejected,
			Reason:  fmt.Sprintf("out of sequence: expected %d, got %d", expected, inv.Sequence),
		}, now), nil
	}
	if reason := validateSubmission(inv); reason != "" {
		s.records[req.IdempotencyKey] = sandboxRecord{outcome: domain.OutcomeRejected, chainHash: inv.ChainHash}
		return s.answer(domain.ReportResult{Outcome: domain.OutcomeRejected, Reason: reason}, now), nil
	}

	reference := fmt.Sprintf("SBX-%s-%d", inv.DeviceID, inv.Sequence)
	s.records[req.IdempotencyKey] = sandboxRecord{outcome: domain.OutcomeAccepted, chainHash: inv.ChainHash, reference: reference}
	s.accepted[inv.DeviceID] = inv.Sequence

	if s.lose > 0 {
		s.lose--
		return domain.ReportResult{}, &RetryableError{Err: errors.New("sandbox response lost")}
	}
	return s.answer(domain.ReportResult{Outcome: domain.OutcomeAccepted, Reference: reference, ChainHash: inv.ChainHash}, now), nil
}

func (s *Sandbox) answer(res domain.ReportResult, now time.Time) domain.ReportResult {
	res.ServerTime = &now
	return res
}

func (s *Sandbox) ServerTime(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return time.Time{}, errSandboxOffline
	}
	return s.now().UTC(), nil
}

func validateSubmission(inv domain.Invoice) string {
	switch {
	case inv.DeviceID == "":
		return "missing device id"
	case inv.ChainHash == "":
		return "missing chain hash"
	case len(inv.Items) == 0:
		return "invoice has no items"
	case inv.Totals.Total != inv.Totals.TaxableAmount+inv.Totals.TaxAmount:
		return "totals do not reconcile"
	}
	return ""
}

// Handler exposes the sandbox over the same JSON API HTTPClient speaks.
func (s *Sandbox) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post(reportPath, func(w http.ResponseWriter, r *http.Request) {
		var req domain.ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeSandboxJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			req.IdempotencyKey = key
		}

		result, err := s.Report(r.Context(), req)
		if err != nil {
			status := http.StatusGatewayTimeout
			var retryable *RetryableError
			if errors.As(err, &retryable) && retryable.StatusCode > 0 {
				status = retryable.StatusCode
			}
			writeSandboxJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if result.Outcome == domain.OutcomeRejected {
			status = http.StatusUnprocessableEntity
		}
		writeSandboxJSON(w, status, result)
	})
	r.Get(timePath, func(w http.ResponseWriter, r *http.Request) {
		now, _ := s.ServerTime(r.Context())
		writeSandboxJSON(w, http.StatusOK, serverTimeBody{ServerTime: now})
	})
	return r
}

func writeSandboxJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sandboxKey(deviceID string, sequence int64) string {
	return deviceID + "/" + strconv.FormatInt(sequence, 10)
}
