package tax

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/jurisdiction"
)

var ErrInvalidLine = errors.New("invalid line item")

var hundred = decimal.NewFromInt(100)

type Engine struct {
	profiles *jurisdiction.Registry
}

func NewEngine(profiles *jurisdiction.Registry) *Engine {
	if profiles == nil {
		profiles = jurisdiction.NewDefaultRegistry()
	}
	return &Engine{profiles: profiles}
}

// Compute prices every line and aggregates the breakdown. Each line is rounded
// to the minor unit on its own and the invoice totals are integer sums of the
// rounded lines, so the result does not depend on line order.
func (e *Engine) Compute(code string, lines []domain.DraftLine) (domain.TaxComputation, error) {
	profile, err := e.profiles.Lookup(code)
	if err != nil {
		return domain.TaxComputation{}, err
	}
	if len(lines) == 0 {
		return domain.TaxComputation{}, fmt.Errorf("%w: at least one line is required", ErrInvalidLine)
	}

	out := domain.TaxComputation{
		Jurisdiction: profile.Code,
		Currency:     profile.Currency,
		Lines:        make([]domain.LineItem, 0, len(lines)),
	}
	for i, line := range lines {
		if err := validateLine(line); err != nil {
			return domain.TaxComputation{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		item := priceLine(profile, line)
		out.Lines = append(out.Lines, item)

		out.Totals.Subtotal += item.GrossAmount
		out.Totals.DiscountTotal += item.DiscountAmount
		out.Totals.TaxableAmount += item.TaxableAmount
		out.Totals.TaxAmount += item.TaxAmount
	}
	out.Totals.Total = out.Totals.TaxableAmount + out.Totals.TaxAmount

	category := domain.TaxCategoryStandard
	if profile.ZeroRated {
		category = domain.TaxCategoryZeroRated
	}
	out.Breakdown = []domain.TaxBreakdown{{
		Jurisdiction:  profile.Code,
		Category:      category,
		RatePercent:   profile.TaxRatePercent,
		TaxableAmount: out.Totals.TaxableAmount,
		TaxAmount:     out.Totals.TaxAmount,
	}}
	return out, nil
}

func validateLine(line domain.DraftLine) error {
	if strings.TrimSpace(line.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidLine)
	}
	if !line.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be greater than zero", ErrInvalidLine)
	}
	if line.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price must not be negative", ErrInvalidLine)
	}
	if line.DiscountPercent.IsNegative() || line.DiscountPercent.GreaterThan(hundred) {
		return fmt.Errorf("%w: discount must be within [0,100] percent", ErrInvalidLine)
	}
	return nil
}

func priceLine(p jurisdiction.Profile, line domain.DraftLine) domain.LineItem {
	exact := line.Quantity.Mul(line.UnitPrice)
	gross := p.ToMinor(exact)
	discount := p.ToMinor(exact.Mul(line.DiscountPercent).Div(hundred))
	net := gross - discount

	item := domain.LineItem{
		Name:            strings.TrimSpace(line.Name),
		Quantity:        line.Quantity,
		Unit:            strings.TrimSpace(line.Unit),
		UnitPrice:       line.UnitPrice,
		DiscountPercent: line.DiscountPercent,
		GrossAmount:     gross,
		DiscountAmount:  discount,
	}
	if item.Unit == "" {
		item.Unit = "pcs"
	}

	netMajor := decimal.New(net, -p.MinorUnits)
	rate := p.TaxRatePercent
	if p.ZeroRated {
		rate = decimal.Zero
	}

	switch p.PriceMode {
	case jurisdiction.PriceInclusive:
		taxable := p.ToMinor(netMajor.Mul(hundred).Div(hundred.Add(rate)))
		item.TaxableAmount = taxable
		item.TaxAmount = net - taxable
	default:
		item.TaxableAmount = net
		item.TaxAmount = p.ToMinor(netMajor.Mul(rate).Div(hundred))
	}
	item.TotalAmount = item.TaxableAmount + item.TaxAmount
	return item
}
