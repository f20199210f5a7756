// Package reporting talks to the tax authority's invoice reporting API.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"fiscalpos/backend/internal/domain"
)

var (
	// ErrRetryable marks failures that say nothing about the invoice itself:
	// timeouts, transport errors, 5xx and throttling.
	ErrRetryable   = errors.New("retryable reporting failure")
	ErrCircuitOpen = errors.New("authority circuit open")
	ErrRejected    = errors.New("authority rejected invoice")
)

type Reporter interface {
	Report(ctx context.Context, req domain.ReportRequest) (domain.ReportResult, error)
}

// TimeSource is implemented by reporters that expose the authority clock.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

type RetryableError struct {
	StatusCode int
	Err        error
}

func (e *RetryableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("reporting: authority returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("reporting: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Is(target error) bool {
	return target == ErrRetryable
}

// IsRetryable classifies err. Deadlines and network errors are retryable; a
// timeout never counts as an acknowledgement.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRetryable) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ValidOutcome reports whether o is one of the authority's answers.
func ValidOutcome(o domain.ReportOutcome) bool {
	switch o {
	case domain.OutcomeAccepted, domain.OutcomeRejected, domain.OutcomeDuplicate:
		return true
	}
	return false
}
