// Package jurisdiction holds the per-jurisdiction fiscal rules every other
// component consults: tax rate, pricing convention, rounding, offline budget
// and reporting mode.
package jurisdiction

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnknownJurisdiction = errors.New("unknown jurisdiction")

type PriceMode string

const (
	// PriceExclusive means unit prices exclude tax; tax is added on top.
	PriceExclusive PriceMode = "exclusive"
	// PriceInclusive means unit prices already contain tax.
	PriceInclusive PriceMode = "inclusive"
)

type RoundingMode string

const (
	RoundHalfUp  RoundingMode = "half_up"
	RoundBankers RoundingMode = "bankers"
)

type ReportingMode string

const (
	ModeReporting ReportingMode = "reporting"
	ModeClearance ReportingMode = "clearance"
)

type Profile struct {
	Code           string
	Name           string
	Currency       string
	MinorUnits     int32
	TaxRatePercent decimal.Decimal
	ZeroRated      bool
	PriceMode      PriceMode
	Rounding       RoundingMode
	OfflineBudget  time.Duration
	// BusinessMode applies to business invoices; retail invoices are always reported.
	BusinessMode ReportingMode
	ChainProof   bool
}

// Round rounds an amount in major units to the profile's minor unit.
func (p Profile) Round(v decimal.Decimal) decimal.Decimal {
	if p.Rounding == RoundBankers {
		return v.RoundBank(p.MinorUnits)
	}
	return v.Round(p.MinorUnits)
}

// ToMinor converts a major-unit amount to integer minor units, rounding first.
func (p Profile) ToMinor(v decimal.Decimal) int64 {
	return p.Round(v).Shift(p.MinorUnits).IntPart()
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("jurisdiction code is required")
	}
	if len(p.Currency) != 3 {
		return fmt.Errorf("jurisdiction %s: currency must be an ISO 4217 code", p.Code)
	}
	if p.MinorUnits < 0 || p.MinorUnits > 4 {
		return fmt.Errorf("jurisdiction %s: minor units out of range", p.Code)
	}
	if p.TaxRatePercent.IsNegative() || p.TaxRatePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("jurisdiction %s: tax rate must be within [0,100]", p.Code)
	}
	if p.ZeroRated && !p.TaxRatePercent.IsZero() {
		return fmt.Errorf("jurisdiction %s: zero-rated profile must have a zero rate", p.Code)
	}
	switch p.PriceMode {
	case PriceExclusive, PriceInclusive:
	default:
		return fmt.Errorf("jurisdiction %s: unsupported price mode %q", p.Code, p.PriceMode)
	}
	switch p.Rounding {
	case RoundHalfUp, RoundBankers:
	default:
		return fmt.Errorf("jurisdiction %s: unsupported rounding mode %q", p.Code, p.Rounding)
	}
	switch p.BusinessMode {
	case ModeReporting, ModeClearance:
	default:
		return fmt.Errorf("jurisdiction %s: unsupported reporting mode %q", p.Code, p.BusinessMode)
	}
	if p.OfflineBudget <= 0 {
		return fmt.Errorf("jurisdiction %s: offline budget must be positive", p.Code)
	}
	return nil
}

func Defaults() []Profile {
	return []Profile{
		{
			Code:           "SA",
			Name:           "Saudi Arabia",
			Currency:       "SAR",
			MinorUnits:     2,
			TaxRatePercent: decimal.NewFromInt(15),
			PriceMode:      PriceInclusive,
			Rounding:       RoundHalfUp,
			OfflineBudget:  24 * time.Hour,
			BusinessMode:   ModeClearance,
			ChainProof:     true,
		},
		{
			Code:           "SA-B2B",
			Name:           "Saudi Arabia (net pricing)",
			Currency:       "SAR",
			MinorUnits:     2,
			TaxRatePercent: decimal.NewFromInt(15),
			PriceMode:      PriceExclusive,
			Rounding:       RoundHalfUp,
			OfflineBudget:  24 * time.Hour,
			BusinessMode:   ModeClearance,
			ChainProof:     true,
		},
		{
			Code:           "SA-FZ",
			Name:           "Saudi Arabia special zone",
			Currency:       "SAR",
			MinorUnits:     2,
			TaxRatePercent: decimal.Zero,
			ZeroRated:      true,
			PriceMode:      PriceExclusive,
			Rounding:       RoundHalfUp,
			OfflineBudget:  24 * time.Hour,
			BusinessMode:   ModeReporting,
			ChainProof:     true,
		},
		{
			Code:           "AE",
			Name:           "United Arab Emirates",
			Currency:       "AED",
			MinorUnits:     2,
			TaxRatePercent: decimal.NewFromInt(5),
			PriceMode:      PriceExclusive,
			Rounding:       RoundHalfUp,
			OfflineBudget:  72 * time.Hour,
			BusinessMode:   ModeReporting,
			ChainProof:     false,
		},
	}
}

// Registry is safe for concurrent use. Profiles are copied in and out.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewDefaultRegistry panics only if the built-in table is malformed.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(Defaults()...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Register(p Profile) error {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.profiles[p.Code] = p
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(code string) (Profile, error) {
	key := strings.ToUpper(strings.TrimSpace(code))
	r.mu.RLock()
	p, ok := r.profiles[key]
	r.mu.RUnlock()
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownJurisdiction, code)
	}
	return p, nil
}

func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for code := range r.profiles {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// OfflineBudget returns the budget for code, falling back when the code is unknown.
func (r *Registry) OfflineBudget(code string, fallback time.Duration) time.Duration {
	p, err := r.Lookup(code)
	if err != nil {
		return fallback
	}
	return p.OfflineBudget
}
