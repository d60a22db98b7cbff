// Package pricing computes charges for the supported billing models.
//
// Every model works in minor units and returns an unrounded decimal; callers
// round once, at the end of the whole computation, with RoundMinor.
package pricing

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/pkg/errs"
)

type Kind string

const (
	KindFlatFee Kind = "FLAT_FEE"
	KindTiered  Kind = "TIERED"
	KindUsage   Kind = "USAGE"
)

type TierMode string

const (
	TierModeVolume    TierMode = "VOLUME"
	TierModeGraduated TierMode = "GRADUATED"
)

var (
	ErrInvalidModel    = errs.Validation("invalid_billing_model")
	ErrInvalidTiers    = errs.Validation("invalid_tiers")
	ErrInvalidTierMode = errs.Validation("invalid_tier_mode")
	ErrInvalidAmount   = errs.Validation("invalid_amount")
	ErrNegativeUsage   = errs.Validation("negative_quantity")
)

// Model is a billing model variant.
type Model interface {
	Kind() Kind
	// ComputeAmount prices quantity units. A FlatFee is charged once per unit
	// of quantity, so plans pass 1 and addons pass their seat count.
	ComputeAmount(quantity decimal.Decimal) (decimal.Decimal, error)
}

// Tier is one band of a tiered price. UpTo is inclusive; nil means the band
// is unbounded and must be last.
type Tier struct {
	UpTo       *int64          `json:"up_to,omitempty"`
	UnitAmount decimal.Decimal `json:"unit_amount"`
	FlatAmount int64           `json:"flat_amount"`
}

type FlatFee struct {
	Amount int64
}

func (FlatFee) Kind() Kind { return KindFlatFee }

func (m FlatFee) ComputeAmount(quantity decimal.Decimal) (decimal.Decimal, error) {
	if quantity.IsNegative() {
		return decimal.Zero, ErrNegativeUsage
	}
	return decimal.NewFromInt(m.Amount).Mul(quantity), nil
}

type Usage struct {
	UnitAmount decimal.Decimal
}

func (Usage) Kind() Kind { return KindUsage }

func (m Usage) ComputeAmount(quantity decimal.Decimal) (decimal.Decimal, error) {
	if quantity.IsNegative() {
		return decimal.Zero, ErrNegativeUsage
	}
	return m.UnitAmount.Mul(quantity), nil
}

type Tiered struct {
	Mode  TierMode
	Tiers []Tier
}

func (Tiered) Kind() Kind { return KindTiered }

func (m Tiered) ComputeAmount(quantity decimal.Decimal) (decimal.Decimal, error) {
	if quantity.IsNegative() {
		return decimal.Zero, ErrNegativeUsage
	}
	if err := ValidateTiers(m.Tiers); err != nil {
		return decimal.Zero, err
	}
	if quantity.IsZero() {
		return decimal.Zero, nil
	}

	switch m.Mode {
	case TierModeVolume:
		for _, tier := range m.Tiers {
			if tier.UpTo == nil || quantity.LessThanOrEqual(decimal.NewFromInt(*tier.UpTo)) {
				return tier.UnitAmount.Mul(quantity).Add(decimal.NewFromInt(tier.FlatAmount)), nil
			}
		}
	case TierModeGraduated:
		total := decimal.Zero
		lower := decimal.Zero
		for _, tier := range m.Tiers {
			upper := quantity
			if tier.UpTo != nil {
				upper = decimal.Min(quantity, decimal.NewFromInt(*tier.UpTo))
			}
			if upper.GreaterThan(lower) {
				total = total.Add(tier.UnitAmount.Mul(upper.Sub(lower))).Add(decimal.NewFromInt(tier.FlatAmount))
			}
			if tier.UpTo == nil || quantity.LessThanOrEqual(decimal.NewFromInt(*tier.UpTo)) {
				return total, nil
			}
			lower = decimal.NewFromInt(*tier.UpTo)
		}
		return total, nil
	default:
		return decimal.Zero, ErrInvalidTierMode
	}
	return decimal.Zero, ErrInvalidTiers
}

// ValidateTiers requires strictly increasing bounds with only the last tier
// unbounded.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return ErrInvalidTiers
	}
	var prev int64
	for i, tier := range tiers {
		if tier.UnitAmount.IsNegative() || tier.FlatAmount < 0 {
			return ErrInvalidTiers
		}
		if tier.UpTo == nil {
			if i != len(tiers)-1 {
				return ErrInvalidTiers
			}
			continue
		}
		if *tier.UpTo <= prev {
			return ErrInvalidTiers
		}
		prev = *tier.UpTo
	}
	return nil
}

// RoundMinor rounds an amount in minor units half-to-even.
func RoundMinor(amount decimal.Decimal) int64 {
	return amount.RoundBank(0).IntPart()
}
