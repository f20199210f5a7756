package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceKind string

const (
	InvoiceKindRetail   InvoiceKind = "retail"
	InvoiceKindBusiness InvoiceKind = "business"
)

func (k InvoiceKind) Valid() bool {
	return k == InvoiceKindRetail || k == InvoiceKindBusiness
}

type DraftLine struct {
	Name            string          `json:"name"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

// LineItem is a priced invoice line. Amounts are in currency minor units.
type LineItem struct {
	Name            string          `json:"name"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	GrossAmount     int64           `json:"gross_amount"`
	DiscountAmount  int64           `json:"discount_amount"`
	TaxableAmount   int64           `json:"taxable_amount"`
	TaxAmount       int64           `json:"tax_amount"`
	TotalAmount     int64           `json:"total_amount"`
}

type TaxCategory string

const (
	TaxCategoryStandard  TaxCategory = "standard"
	TaxCategoryZeroRated TaxCategory = "zero_rated"
)

type TaxBreakdown struct {
	Jurisdiction  string          `json:"jurisdiction"`
	Category      TaxCategory     `json:"category"`
	RatePercent   decimal.Decimal `json:"rate_percent"`
	TaxableAmount int64           `json:"taxable_amount"`
	TaxAmount     int64           `json:"tax_amount"`
}

type Totals struct {
	Subtotal      int64 `json:"subtotal"`
	DiscountTotal int64 `json:"discount_total"`
	TaxableAmount int64 `json:"taxable_amount"`
	TaxAmount     int64 `json:"tax_amount"`
	Total         int64 `json:"total"`
}

type TaxComputation struct {
	Jurisdiction string         `json:"jurisdiction"`
	Currency     string         `json:"currency"`
	Lines        []LineItem     `json:"lines"`
	Breakdown    []TaxBreakdown `json:"breakdown"`
	Totals       Totals         `json:"totals"`
}

type Seller struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
}

// InvoiceDraft is a fully priced invoice that has not been sequenced or chained yet.
type InvoiceDraft struct {
	Kind          InvoiceKind    `json:"kind"`
	Jurisdiction  string         `json:"jurisdiction"`
	Currency      string         `json:"currency"`
	PaymentMethod string         `json:"payment_method"`
	Seller        Seller         `json:"seller"`
	BuyerName     string         `json:"buyer_name,omitempty"`
	BuyerTaxID    string         `json:"buyer_tax_id,omitempty"`
	Items         []LineItem     `json:"items"`
	Breakdown     []TaxBreakdown `json:"breakdown"`
	Totals        Totals         `json:"totals"`
}

type Invoice struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"device_id"`
	Sequence      int64          `json:"sequence"`
	IssuedAt      time.Time      `json:"issued_at"`
	Kind          InvoiceKind    `json:"kind"`
	Jurisdiction  string         `json:"jurisdiction"`
	Currency      string         `json:"currency"`
	PaymentMethod string         `json:"payment_method"`
	Seller        Seller         `json:"seller"`
	BuyerName     string         `json:"buyer_name,omitempty"`
	BuyerTaxID    string         `json:"buyer_tax_id,omitempty"`
	Items         []LineItem     `json:"items"`
	Breakdown     []TaxBreakdown `json:"breakdown"`
	Totals        Totals         `json:"totals"`
	HashAlgorithm string         `json:"hash_algorithm"`
	PreviousHash  string         `json:"previous_hash"`
	ChainHash     string         `json:"chain_hash"`
}

type LedgerState struct {
	DeviceID     string     `json:"device_id"`
	LastSequence int64      `json:"last_sequence"`
	LastHash     string     `json:"last_hash"`
	LastIssuedAt time.Time  `json:"last_issued_at"`
	Halted       bool       `json:"halted"`
	HaltReason   string     `json:"halt_reason,omitempty"`
	HaltedAt     *time.Time `json:"halted_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type ChainReport struct {
	DeviceID     string `json:"device_id"`
	From         int64  `json:"from"`
	To           int64  `json:"to"`
	Checked      int    `json:"checked"`
	Valid        bool   `json:"valid"`
	BrokenAt     int64  `json:"broken_at,omitempty"`
	BrokenReason string `json:"broken_reason,omitempty"`
}

type QueueStatus string

const (
	QueueStatusPending      QueueStatus = "pending"
	QueueStatusReporting    QueueStatus = "reporting"
	QueueStatusAcknowledged QueueStatus = "acknowledged"
	QueueStatusExpired      QueueStatus = "expired"
)

type Severity string

const (
	SeverityNone      Severity = ""
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityViolation Severity = "violation"
)

// Rank orders severities so escalation can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityViolation:
		return 3
	default:
		return 0
	}
}

type QueueEntry struct {
	ID                 string      `json:"id"`
	DeviceID           string      `json:"device_id"`
	Sequence           int64       `json:"sequence"`
	IdempotencyKey     string      `json:"idempotency_key"`
	Invoice            Invoice     `json:"invoice"`
	QRPayload          string      `json:"qr_payload"`
	Status             QueueStatus `json:"status"`
	Attempts           int         `json:"attempts"`
	EnqueuedAt         time.Time   `json:"enqueued_at"`
	LastAttemptAt      *time.Time  `json:"last_attempt_at,omitempty"`
	NextAttemptAt      time.Time   `json:"next_attempt_at"`
	LastError          string      `json:"last_error,omitempty"`
	AlertLevel         Severity    `json:"alert_level,omitempty"`
	LateSubmission     bool        `json:"late_submission,omitempty"`
	AcknowledgedAt     *time.Time  `json:"acknowledged_at,omitempty"`
	AuthorityReference string      `json:"authority_reference,omitempty"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

type DeviceHold struct {
	DeviceID string    `json:"device_id"`
	EntryID  string    `json:"entry_id"`
	Sequence int64     `json:"sequence"`
	Reason   string    `json:"reason"`
	HeldAt   time.Time `json:"held_at"`
}

type QueueStatusReport struct {
	DeviceID         string      `json:"device_id"`
	Pending          int         `json:"pending"`
	Reporting        int         `json:"reporting"`
	Acknowledged     int         `json:"acknowledged"`
	Expired          int         `json:"expired"`
	LastSequence     int64       `json:"last_sequence"`
	OldestPendingAge float64     `json:"oldest_pending_age_hours"`
	Hold             *DeviceHold `json:"hold,omitempty"`
}

type ReportOutcome string

const (
	OutcomeAccepted  ReportOutcome = "accepted"
	OutcomeRejected  ReportOutcome = "rejected"
	OutcomeDuplicate ReportOutcome = "duplicate"
	OutcomeError     ReportOutcome = "error"
)

type SyncAttempt struct {
	ID             string        `json:"id"`
	EntryID        string        `json:"entry_id"`
	DeviceID       string        `json:"device_id"`
	Sequence       int64         `json:"sequence"`
	IdempotencyKey string        `json:"idempotency_key"`
	Outcome        ReportOutcome `json:"outcome"`
	Reason         string        `json:"reason,omitempty"`
	AttemptedAt    time.Time     `json:"attempted_at"`
	DurationMillis int64         `json:"duration_ms"`
}

type ReportRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	Invoice        Invoice `json:"invoice"`
	QRPayload      string  `json:"qr_payload"`
}

type ReportResult struct {
	Outcome         ReportOutcome `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	OriginalOutcome ReportOutcome `json:"original_outcome,omitempty"`
	ChainHash       string        `json:"chain_hash,omitempty"`
	Reference       string        `json:"reference,omitempty"`
	ServerTime      *time.Time    `json:"server_time,omitempty"`
}

type Alert struct {
	DeviceID  string    `json:"device_id"`
	InvoiceID string    `json:"invoice_id,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
	Severity  Severity  `json:"severity"`
	Reason    string    `json:"reason"`
	AgeHours  float64   `json:"age_hours"`
	RaisedAt  time.Time `json:"raised_at"`
}

type SyncResult struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Devices      int       `json:"devices"`
	Reported     int       `json:"reported"`
	Acknowledged int       `json:"acknowledged"`
	Retried      int       `json:"retried"`
	Held         int       `json:"held"`
	Expired      int       `json:"expired"`
	Enqueued     int       `json:"enqueued"`
	CircuitOpen  bool      `json:"circuit_open"`
}

// ClockSample is the last observed offset between the authority clock and ours.
type ClockSample struct {
	OffsetMillis int64     `json:"offset_ms"`
	ServerTime   time.Time `json:"server_time"`
	ObservedAt   time.Time `json:"observed_at"`
}

type ClockStatus struct {
	ClockSample
	Now   time.Time `json:"now"`
	Stale bool      `json:"stale"`
}

type IssueInvoiceRequest struct {
	DeviceID      string      `json:"device_id"`
	Items         []DraftLine `json:"items"`
	PaymentMethod string      `json:"payment_method"`
	Currency      string      `json:"currency"`
	Kind          InvoiceKind `json:"kind,omitempty"`
	Jurisdiction  string      `json:"jurisdiction,omitempty"`
	BuyerName     string      `json:"buyer_name,omitempty"`
	BuyerTaxID    string      `json:"buyer_tax_id,omitempty"`
}

type IssueInvoiceResponse struct {
	Invoice   Invoice `json:"invoice"`
	QRPayload string  `json:"qr_payload"`
	Queued    bool    `json:"queued"`
}

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleTerminal = "terminal"
)

type Actor struct {
	Username string
	Role     string
}

// InvoiceDetail is an invoice together with its reporting state.
type InvoiceDetail struct {
	Invoice            Invoice       `json:"invoice"`
	QRPayload          string        `json:"qr_payload,omitempty"`
	QueueStatus        QueueStatus   `json:"queue_status,omitempty"`
	Attempts           int           `json:"attempts"`
	AuthorityReference string        `json:"authority_reference,omitempty"`
	History            []SyncAttempt `json:"history,omitempty"`
}

type AuthUser struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        AuthUser  `json:"user"`
}

type ManagerApprovalRequest struct {
	ManagerPIN string `json:"manager_pin"`
	Reason     string `json:"reason"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
