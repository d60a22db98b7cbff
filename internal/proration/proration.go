// Package proration computes the credits and charges owed when the terms of
// a subscription change part way through a billing period. It never touches
// invoices; callers turn the returned lines into pending line items.
package proration

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/pricing"
	"github.com/smallbiznis/billcore/pkg/errs"
)

type Behavior string

const (
	BehaviorCreateProrations Behavior = "CREATE_PRORATIONS"
	BehaviorNone             Behavior = "NONE"
)

func (b Behavior) Valid() bool {
	return b == BehaviorCreateProrations || b == BehaviorNone
}

type LineKind string

const (
	LineCredit LineKind = "CREDIT"
	LineCharge LineKind = "CHARGE"
)

var (
	ErrInvalidPeriod   = errs.Validation("invalid_proration_period")
	ErrInvalidBehavior = errs.Validation("invalid_proration_behavior")
)

// Item is a recurring charge in force for the period. Amount is the
// unrounded charge for the whole period in minor units.
type Item struct {
	Name     string
	PriceID  snowflake.ID
	SourceID snowflake.ID
	Quantity decimal.Decimal
	Amount   decimal.Decimal
}

type Params struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	AsOf        time.Time
	Behavior    Behavior
	// Old items are credited for the unused fraction and New items are
	// charged for it.
	Old []Item
	New []Item
}

type Line struct {
	Kind        LineKind
	Name        string
	PriceID     snowflake.ID
	SourceID    snowflake.ID
	Quantity    decimal.Decimal
	Amount      int64
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type Result struct {
	Coefficient decimal.Decimal
	Lines       []Line
	Net         int64
}

// Coefficient is the unused fraction of [start, end) at asOf, clamped to
// [0, 1].
func Coefficient(start, end, asOf time.Time) (decimal.Decimal, error) {
	total := end.Sub(start)
	if total <= 0 {
		return decimal.Zero, ErrInvalidPeriod
	}
	if !asOf.After(start) {
		return decimal.NewFromInt(1), nil
	}
	if !asOf.Before(end) {
		return decimal.Zero, nil
	}
	remaining := end.Sub(asOf)
	return decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(total))), nil
}

// Calculate returns one credit line per old item and one charge line per new
// item. With BehaviorNone it returns no lines; the change then takes effect
// at the next period.
func Calculate(ctx context.Context, p Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if !p.Behavior.Valid() {
		return Result{}, ErrInvalidBehavior
	}

	coef, err := Coefficient(p.PeriodStart, p.PeriodEnd, p.AsOf)
	if err != nil {
		return Result{}, err
	}
	result := Result{Coefficient: coef}
	if p.Behavior == BehaviorNone || coef.IsZero() {
		return result, nil
	}

	from := p.AsOf
	if from.Before(p.PeriodStart) {
		from = p.PeriodStart
	}

	emit := func(kind LineKind, item Item) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		amount := pricing.RoundMinor(item.Amount.Mul(coef))
		if amount == 0 {
			return nil
		}
		if kind == LineCredit {
			amount = -amount
		}
		result.Lines = append(result.Lines, Line{
			Kind:        kind,
			Name:        item.Name,
			PriceID:     item.PriceID,
			SourceID:    item.SourceID,
			Quantity:    item.Quantity,
			Amount:      amount,
			PeriodStart: from,
			PeriodEnd:   p.PeriodEnd,
		})
		result.Net += amount
		return nil
	}

	for _, item := range p.Old {
		if err := emit(LineCredit, item); err != nil {
			return Result{}, err
		}
	}
	for _, item := range p.New {
		if err := emit(LineCharge, item); err != nil {
			return Result{}, err
		}
	}
	return result, nil
}
