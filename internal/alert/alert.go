// Package alert delivers compliance alerts to operators.
package alert

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/metrics"
)

type Notifier interface {
	Notify(ctx context.Context, a domain.Alert) error
}

type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "alert").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, a domain.Alert) error {
	var evt *zerolog.Event
	switch a.Severity {
	case domain.SeverityWarning:
		evt = n.log.Warn()
	default:
		evt = n.log.Error()
	}
	evt.Str("device_id", a.DeviceID).
		Str("invoice_id", a.InvoiceID).
		Int64("sequence", a.Sequence).
		Str("severity", string(a.Severity)).
		Float64("age_hours", a.AgeHours).
		Msg(a.Reason)
	return nil
}

// Recorder keeps the most recent alerts in memory for the operator API.
type Recorder struct {
	mu     sync.RWMutex
	max    int
	alerts []domain.Alert
}

func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 500
	}
	return &Recorder{max: max}
}

func (r *Recorder) Notify(_ context.Context, a domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	if len(r.alerts) > r.max {
		r.alerts = append([]domain.Alert(nil), r.alerts[len(r.alerts)-r.max:]...)
	}
	return nil
}

// List returns up to limit alerts, newest first.
func (r *Recorder) List(limit int) []domain.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.alerts) {
		limit = len(r.alerts)
	}
	out := make([]domain.Alert, 0, limit)
	for i := len(r.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.alerts[i])
	}
	return out
}

// Fanout delivers to every notifier. The alert counts as surfaced when at
// least one notifier accepted it; failures of the others are logged.
type Fanout struct {
	notifiers []Notifier
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

func NewFanout(log zerolog.Logger, m *metrics.Metrics, notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers, metrics: m, log: log.With().Str("component", "alert").Logger()}
}

func (f *Fanout) Notify(ctx context.Context, a domain.Alert) error {
	if len(f.notifiers) == 0 {
		return errors.New("alert: no notifiers configured")
	}
	var errs []error
	delivered := 0
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			f.log.Error().Err(err).Str("device_id", a.DeviceID).Msg("alert delivery failed")
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	f.metrics.IncAlert(string(a.Severity))
	return nil
}
