package reporting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/xid"
)

func reportFor(deviceID string, seq int64) domain.ReportRequest {
	return domain.ReportRequest{
		IdempotencyKey: xid.IdempotencyKey(deviceID, seq),
		QRPayload:      "AQNCb2I=",
		Invoice: domain.Invoice{
			ID:           fmt.Sprintf("%s-inv-%d", deviceID, seq),
			DeviceID:     deviceID,
			Sequence:     seq,
			IssuedAt:     time.Date(2026, 3, 1, 9, 0, int(seq), 0, time.UTC),
			Jurisdiction: "SA",
			Currency:     "SAR",
			Items: []domain.LineItem{{
				Name:        "Tea",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   decimal.RequireFromString("10.00"),
				TotalAmount: 1000,
			}},
			Totals:    domain.Totals{Subtotal: 1000, TaxableAmount: 870, TaxAmount: 130, Total: 1000},
			ChainHash: fmt.Sprintf("hash-%s-%d", deviceID, seq),
		},
	}
}

func TestSandboxAcceptsInOrder(t *testing.T) {
	sb := NewSandbox()
	ctx := context.Background()

	res, err := sb.Report(ctx, reportFor("POS-1", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
	assert.Equal(t, "SBX-POS-1-1", res.Reference)
	require.NotNil(t, res.ServerTime)

	res, err = sb.Report(ctx, reportFor("POS-1", 3))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.Reason, "out of sequence")
	assert.EqualValues(t, 1, sb.Accepted("POS-1"))
}

func TestSandboxDuplicateReturnsOriginalOutcome(t *testing.T) {
	sb := NewSandbox()
	ctx := context.Background()
	req := reportFor("POS-1", 1)

	_, err := sb.Report(ctx, req)
	require.NoError(t, err)
	res, err := sb.Report(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, domain.OutcomeAccepted, res.OriginalOutcome)
	assert.Equal(t, req.Invoice.ChainHash, res.ChainHash)
}

func TestSandboxLostResponseStillRecordsAcceptance(t *testing.T) {
	sb := NewSandbox()
	sb.LoseResponses(1)
	ctx := context.Background()
	req := reportFor("POS-1", 1)

	_, err := sb.Report(ctx, req)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	res, err := sb.Report(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
	assert.Equal(t, domain.OutcomeAccepted, res.OriginalOutcome)
}

func TestSandboxLatencyHonoursDeadline(t *testing.T) {
	sb := NewSandbox()
	sb.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sb.Report(ctx, reportFor("POS-1", 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, sb.Accepted("POS-1"))
}

func TestSandboxInjectedRejection(t *testing.T) {
	sb := NewSandbox()
	sb.RejectSequence("POS-1", 1, "invalid buyer tax id")

	res, err := sb.Report(context.Background(), reportFor("POS-1", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, "invalid buyer tax id", res.Reason)
}

func TestSandboxFailNext(t *testing.T) {
	sb := NewSandbox()
	sb.FailNext(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := sb.Report(ctx, reportFor("POS-1", 1))
		require.ErrorIs(t, err, ErrRetryable)
	}
	res, err := sb.Report(ctx, reportFor("POS-1", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
	assert.Equal(t, 3, sb.Calls())
}
