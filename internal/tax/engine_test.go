package tax

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/jurisdiction"
)

func line(name, qty, price, discount string) domain.DraftLine {
	return domain.DraftLine{
		Name:            name,
		Quantity:        decimal.RequireFromString(qty),
		UnitPrice:       decimal.RequireFromString(price),
		DiscountPercent: decimal.RequireFromString(discount),
	}
}

func TestComputeRoundsLineTaxHalfUp(t *testing.T) {
	engine := NewEngine(nil)

	got, err := engine.Compute("SA-B2B", []domain.DraftLine{line("Coffee beans", "3", "10.555", "0")})
	require.NoError(t, err)

	require.Len(t, got.Lines, 1)
	assert.Equal(t, int64(3167), got.Lines[0].GrossAmount)
	assert.Equal(t, int64(475), got.Lines[0].TaxAmount)
	assert.Equal(t, int64(3167), got.Totals.Subtotal)
	assert.Equal(t, int64(475), got.Totals.TaxAmount)
	assert.Equal(t, got.Totals.Subtotal+got.Totals.TaxAmount, got.Totals.Total)
	assert.Equal(t, int64(3642), got.Totals.Total)
	assert.Equal(t, "SAR", got.Currency)
}

func TestComputeInclusivePricingSplitsTaxOut(t *testing.T) {
	engine := NewEngine(nil)

	cases := []struct {
		price   string
		taxable int64
		tax     int64
	}{
		{"10.00", 870, 130},
		{"20.00", 1739, 261},
		{"15.50", 1348, 202},
	}
	for _, tc := range cases {
		got, err := engine.Compute("SA", []domain.DraftLine{line("Meal", "1", tc.price, "0")})
		require.NoError(t, err)
		assert.Equal(t, tc.taxable, got.Totals.TaxableAmount, tc.price)
		assert.Equal(t, tc.tax, got.Totals.TaxAmount, tc.price)
		assert.Equal(t, got.Totals.Subtotal, got.Totals.Total, tc.price)
	}
}

func TestComputeIsIndependentOfLineOrder(t *testing.T) {
	engine := NewEngine(nil)
	lines := []domain.DraftLine{
		line("Tea", "2", "3.335", "0"),
		line("Cake", "1", "12.499", "12.5"),
		line("Water", "0.75", "1.999", "0"),
	}
	reversed := []domain.DraftLine{lines[2], lines[1], lines[0]}

	a, err := engine.Compute("SA-B2B", lines)
	require.NoError(t, err)
	b, err := engine.Compute("SA-B2B", reversed)
	require.NoError(t, err)

	assert.Equal(t, a.Totals, b.Totals)
	assert.Equal(t, a.Breakdown, b.Breakdown)
}

func TestComputeAppliesDiscountBeforeTax(t *testing.T) {
	engine := NewEngine(nil)

	got, err := engine.Compute("SA-B2B", []domain.DraftLine{line("Chair", "2", "50", "10")})
	require.NoError(t, err)

	assert.Equal(t, domain.Totals{
		Subtotal:      10000,
		DiscountTotal: 1000,
		TaxableAmount: 9000,
		TaxAmount:     1350,
		Total:         10350,
	}, got.Totals)
}

func TestComputeZeroRatedStillEmitsBreakdown(t *testing.T) {
	engine := NewEngine(nil)

	got, err := engine.Compute("SA-FZ", []domain.DraftLine{line("Export crate", "4", "25", "0")})
	require.NoError(t, err)

	assert.Equal(t, int64(0), got.Totals.TaxAmount)
	assert.Equal(t, int64(10000), got.Totals.Total)
	require.Len(t, got.Breakdown, 1)
	assert.Equal(t, domain.TaxCategoryZeroRated, got.Breakdown[0].Category)
	assert.True(t, got.Breakdown[0].RatePercent.IsZero())
	assert.Equal(t, int64(10000), got.Breakdown[0].TaxableAmount)
}

func TestComputeBankersRoundingProfile(t *testing.T) {
	profiles, err := jurisdiction.NewRegistry(jurisdiction.Profile{
		Code:           "XB",
		Currency:       "SAR",
		MinorUnits:     2,
		TaxRatePercent: decimal.NewFromInt(15),
		PriceMode:      jurisdiction.PriceExclusive,
		Rounding:       jurisdiction.RoundBankers,
		OfflineBudget:  24 * time.Hour,
		BusinessMode:   jurisdiction.ModeReporting,
	})
	require.NoError(t, err)

	got, err := NewEngine(profiles).Compute("XB", []domain.DraftLine{line("Beans", "3", "10.555", "0")})
	require.NoError(t, err)
	assert.Equal(t, int64(3166), got.Totals.Subtotal)
}

func TestComputeRejectsUnknownJurisdiction(t *testing.T) {
	_, err := NewEngine(nil).Compute("ZZ", []domain.DraftLine{line("x", "1", "1", "0")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jurisdiction.ErrUnknownJurisdiction))
}

func TestComputeValidatesLines(t *testing.T) {
	engine := NewEngine(nil)
	cases := map[string]domain.DraftLine{
		"zero quantity":     line("x", "0", "1", "0"),
		"negative quantity": line("x", "-1", "1", "0"),
		"negative price":    line("x", "1", "-0.01", "0"),
		"discount above":    line("x", "1", "1", "100.01"),
		"negative discount": line("x", "1", "1", "-1"),
		"missing name":      line(" ", "1", "1", "0"),
	}
	for name, l := range cases {
		_, err := engine.Compute("SA", []domain.DraftLine{l})
		assert.ErrorIs(t, err, ErrInvalidLine, name)
	}

	_, err := engine.Compute("SA", nil)
	assert.ErrorIs(t, err, ErrInvalidLine)
}

func TestComputeAllowsFreeItemsAndFullDiscount(t *testing.T) {
	got, err := NewEngine(nil).Compute("SA", []domain.DraftLine{
		line("Sample", "1", "0", "0"),
		line("Voucher item", "1", "9.99", "100"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Totals.Total)
	assert.Equal(t, int64(999), got.Totals.DiscountTotal)
}
