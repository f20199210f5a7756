package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the fiscal engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	InvoicesAppended    *prometheus.CounterVec
	ChainBreaks         prometheus.Counter
	QueueTransitions    *prometheus.CounterVec
	ReportOutcomes      *prometheus.CounterVec
	AlertsRaised        *prometheus.CounterVec
	OldestPendingAge    *prometheus.GaugeVec
	SyncCycleDuration   prometheus.Histogram
	CircuitBreakerState prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InvoicesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalpos_ledger_invoices_appended_total",
			Help: "Invoices appended to device ledgers",
		}, []string{"jurisdiction"}),
		ChainBreaks: factory.NewCounter(prometheus.CounterOpts{
			Name: "fiscalpos_ledger_chain_breaks_total",
			Help: "Chain verification failures that halted a device",
		}),
		QueueTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalpos_queue_transitions_total",
			Help: "Offline queue entries moved into a status",
		}, []string{"status"}),
		ReportOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalpos_reporting_outcomes_total",
			Help: "Authority reporting outcomes",
		}, []string{"outcome"}),
		AlertsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiscalpos_alerts_raised_total",
			Help: "Operator alerts raised",
		}, []string{"severity"}),
		OldestPendingAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiscalpos_queue_oldest_pending_age_seconds",
			Help: "Age of the oldest unacknowledged invoice per device",
		}, []string{"device"}),
		SyncCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fiscalpos_sync_cycle_duration_seconds",
			Help:    "Duration of sync cycles",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		CircuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fiscalpos_reporting_circuit_breaker_state",
			Help: "Authority circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) IncInvoiceAppended(jurisdiction string) {
	if m == nil {
		return
	}
	m.InvoicesAppended.WithLabelValues(jurisdiction).Inc()
}

func (m *Metrics) IncChainBreak() {
	if m == nil {
		return
	}
	m.ChainBreaks.Inc()
}

func (m *Metrics) IncQueueTransition(status string) {
	if m == nil {
		return
	}
	m.QueueTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) IncReportOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReportOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAlert(severity string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(severity).Inc()
}

func (m *Metrics) SetOldestPendingAge(deviceID string, age time.Duration) {
	if m == nil {
		return
	}
	m.OldestPendingAge.WithLabelValues(deviceID).Set(age.Seconds())
}

func (m *Metrics) ObserveSyncCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncCycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitBreakerState.Set(1)
	} else {
		m.CircuitBreakerState.Set(0)
	}
}
