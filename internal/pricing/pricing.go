// Package pricing computes the cost of a purchase session: unit price,
// volume/code discount and tax. Everything here is a pure function of its
// inputs so the notification path can recompute the expected charge
// independently of whatever the buyer was shown.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

type DiscountKind string

const (
	DiscountNone       DiscountKind = "none"
	DiscountPercentage DiscountKind = "percentage"
	DiscountFlatValue  DiscountKind = "flat"
)

var (
	ErrInsufficientQuantity = errors.New("quantity must be at least 1")
	ErrNegativeDiscount     = errors.New("discount amount must not be negative")
	ErrDiscountOutOfRange   = errors.New("discount amount out of range")
	ErrUnknownDiscountKind  = errors.New("unknown discount kind")
)

// IsValidation reports whether err is one of the pricing input errors.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrNegativeDiscount) ||
		errors.Is(err, ErrDiscountOutOfRange) ||
		errors.Is(err, ErrUnknownDiscountKind)
}

// DiscountPolicy is the product side of the discount configuration.
type DiscountPolicy struct {
	Kind DiscountKind
	// Amount is a fraction or whole percent for DiscountPercentage
	// (25 and 0.25 are equivalent) and a per-unit currency amount for
	// DiscountFlatValue.
	Amount          decimal.Decimal
	MinimumQuantity int
	CodeRequired    bool
}

// Inputs are the pricing fields of a purchase session.
type Inputs struct {
	UnitBaseCost     decimal.Decimal
	Quantity         int
	DiscountEligible bool
	TaxRate          decimal.Decimal
}

// CostBreakdown carries full precision values; round only for display.
type CostBreakdown struct {
	UnitPrice           decimal.Decimal
	DiscountedUnitPrice decimal.Decimal
	Subtotal            decimal.Decimal
	TaxAmount           decimal.Decimal
	TotalTaxed          decimal.Decimal
	DiscountPercent     int64
	DiscountApplied     bool
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// NormalizePercent turns a whole-percent amount (e.g. 25) into a fraction.
// Only percentage policies above 1 are scaled.
func NormalizePercent(policy DiscountPolicy) decimal.Decimal {
	if policy.Kind == DiscountPercentage && policy.Amount.GreaterThan(one) {
		return policy.Amount.Div(hundred)
	}
	return policy.Amount
}

// Eligible reports whether the discount applies to the given quantity and
// code state. The quantity threshold is checked first.
func Eligible(policy DiscountPolicy, quantity int, discountEligible bool) bool {
	if quantity < policy.MinimumQuantity {
		return false
	}
	return !policy.CodeRequired || discountEligible
}

// ComputeCost returns the cost breakdown for in under policy. Tax is added
// only when includeTax is set and the session carries a positive rate.
func ComputeCost(in Inputs, policy DiscountPolicy, includeTax bool) (*CostBreakdown, error) {
	if in.Quantity < 1 {
		return nil, ErrInsufficientQuantity
	}
	if policy.Amount.IsNegative() {
		return nil, ErrNegativeDiscount
	}

	normalized := NormalizePercent(policy)
	switch policy.Kind {
	case "", DiscountNone:
	case DiscountPercentage:
		if normalized.GreaterThan(one) {
			return nil, ErrDiscountOutOfRange
		}
	case DiscountFlatValue:
	default:
		return nil, ErrUnknownDiscountKind
	}

	quantity := decimal.NewFromInt(int64(in.Quantity))
	unit := in.UnitBaseCost
	discounted := unit
	applied := false

	if policy.Kind != "" && policy.Kind != DiscountNone && Eligible(policy, in.Quantity, in.DiscountEligible) {
		applied = true
		switch policy.Kind {
		case DiscountPercentage:
			discounted = unit.Sub(unit.Mul(normalized))
		case DiscountFlatValue:
			// per seat, not per order; only bounded once it actually applies
			if policy.Amount.GreaterThan(unit) {
				return nil, ErrDiscountOutOfRange
			}
			discounted = unit.Sub(policy.Amount)
		}
	}

	subtotal := discounted.Mul(quantity)
	tax := decimal.Zero
	total := subtotal
	if includeTax && in.TaxRate.IsPositive() {
		tax = subtotal.Mul(in.TaxRate)
		total = subtotal.Add(tax)
	}

	return &CostBreakdown{
		UnitPrice:           unit,
		DiscountedUnitPrice: discounted,
		Subtotal:            subtotal,
		TaxAmount:           tax,
		TotalTaxed:          total,
		DiscountPercent:     normalized.Mul(hundred).Floor().IntPart(),
		DiscountApplied:     applied,
	}, nil
}
