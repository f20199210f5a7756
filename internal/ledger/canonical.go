package ledger

import (
	"bytes"
	"encoding/json"
	"time"

	"fiscalpos/backend/internal/domain"
)

// TimestampLayout fixes issue timestamps to UTC milliseconds in hashed form.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// The canonical structs pin field order and render every decimal as its
// normalized string so the byte form is identical across processes and stores.
type canonicalLine struct {
	Name            string `json:"name"`
	Quantity        string `json:"quantity"`
	Unit            string `json:"unit"`
	UnitPrice       string `json:"unit_price"`
	DiscountPercent string `json:"discount_percent"`
	GrossAmount     int64  `json:"gross_amount"`
	DiscountAmount  int64  `json:"discount_amount"`
	TaxableAmount   int64  `json:"taxable_amount"`
	TaxAmount       int64  `json:"tax_amount"`
	TotalAmount     int64  `json:"total_amount"`
}

type canonicalBreakdown struct {
	Jurisdiction  string `json:"jurisdiction"`
	Category      string `json:"category"`
	RatePercent   string `json:"rate_percent"`
	TaxableAmount int64  `json:"taxable_amount"`
	TaxAmount     int64  `json:"tax_amount"`
}

type canonicalInvoice struct {
	ID            string               `json:"id"`
	DeviceID      string               `json:"device_id"`
	Sequence      int64                `json:"sequence"`
	IssuedAt      string               `json:"issued_at"`
	Kind          string               `json:"kind"`
	Jurisdiction  string               `json:"jurisdiction"`
	Currency      string               `json:"currency"`
	PaymentMethod string               `json:"payment_method"`
	SellerName    string               `json:"seller_name"`
	SellerTaxID   string               `json:"seller_tax_id"`
	BuyerName     string               `json:"buyer_name"`
	BuyerTaxID    string               `json:"buyer_tax_id"`
	Items         []canonicalLine      `json:"items"`
	Breakdown     []canonicalBreakdown `json:"breakdown"`
	Totals        domain.Totals        `json:"totals"`
	HashAlgorithm string               `json:"hash_algorithm"`
	PreviousHash  string               `json:"previous_hash"`
}

// Canonical serializes every invoice field except the chain hash.
func Canonical(inv domain.Invoice) ([]byte, error) {
	c := canonicalInvoice{
		ID:            inv.ID,
		DeviceID:      inv.DeviceID,
		Sequence:      inv.Sequence,
		IssuedAt:      inv.IssuedAt.UTC().Format(TimestampLayout),
		Kind:          string(inv.Kind),
		Jurisdiction:  inv.Jurisdiction,
		Currency:      inv.Currency,
		PaymentMethod: inv.PaymentMethod,
		SellerName:    inv.Seller.Name,
		SellerTaxID:   inv.Seller.TaxID,
		BuyerName:     inv.BuyerName,
		BuyerTaxID:    inv.BuyerTaxID,
		Items:         make([]canonicalLine, 0, len(inv.Items)),
		Breakdown:     make([]canonicalBreakdown, 0, len(inv.Breakdown)),
		Totals:        inv.Totals,
		HashAlgorithm: inv.HashAlgorithm,
		PreviousHash:  inv.PreviousHash,
	}
	for _, item := range inv.Items {
		c.Items = append(c.Items, canonicalLine{
			Name:            item.Name,
			Quantity:        item.Quantity.String(),
			Unit:            item.Unit,
			UnitPrice:       item.UnitPrice.String(),
			DiscountPercent: item.DiscountPercent.String(),
			GrossAmount:     item.GrossAmount,
			DiscountAmount:  item.DiscountAmount,
			TaxableAmount:   item.TaxableAmount,
			TaxAmount:       item.TaxAmount,
			TotalAmount:     item.TotalAmount,
		})
	}
	for _, b := range inv.Breakdown {
		c.Breakdown = append(c.Breakdown, canonicalBreakdown{
			Jurisdiction:  b.Jurisdiction,
			Category:      string(b.Category),
			RatePercent:   b.RatePercent.String(),
			TaxableAmount: b.TaxableAmount,
			TaxAmount:     b.TaxAmount,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalizeTimestamp truncates to the precision kept in the canonical form.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
