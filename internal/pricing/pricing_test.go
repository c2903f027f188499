package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, field string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s = %s, want %s", field, got.String(), want)
	}
}

func TestComputeCost_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		in         Inputs
		policy     DiscountPolicy
		includeTax bool

		wantUnit     string
		wantSubtotal string
		wantTax      string
		wantTotal    string
		wantApplied  bool
	}{
		{
			name:         "no discount no tax",
			in:           Inputs{UnitBaseCost: dec("100.00"), Quantity: 1},
			policy:       DiscountPolicy{Kind: DiscountNone},
			wantUnit:     "100.00",
			wantSubtotal: "100.00",
			wantTax:      "0",
			wantTotal:    "100.00",
		},
		{
			name:         "whole percent discount",
			in:           Inputs{UnitBaseCost: dec("100.00"), Quantity: 1},
			policy:       DiscountPolicy{Kind: DiscountPercentage, Amount: dec("25"), MinimumQuantity: 1},
			wantUnit:     "75.00",
			wantSubtotal: "75.00",
			wantTax:      "0",
			wantTotal:    "75.00",
			wantApplied:  true,
		},
		{
			name:         "fractional percent discount",
			in:           Inputs{UnitBaseCost: dec("100.00"), Quantity: 2},
			policy:       DiscountPolicy{Kind: DiscountPercentage, Amount: dec("0.1"), MinimumQuantity: 1},
			wantUnit:     "90.00",
			wantSubtotal: "180.00",
			wantTax:      "0",
			wantTotal:    "180.00",
			wantApplied:  true,
		},
		{
			name:         "flat discount is per unit",
			in:           Inputs{UnitBaseCost: dec("50.00"), Quantity: 3},
			policy:       DiscountPolicy{Kind: DiscountFlatValue, Amount: dec("10.00"), MinimumQuantity: 2},
			wantUnit:     "40.00",
			wantSubtotal: "120.00",
			wantTax:      "0",
			wantTotal:    "120.00",
			wantApplied:  true,
		},
		{
			name:         "tax applied",
			in:           Inputs{UnitBaseCost: dec("100.00"), Quantity: 1, TaxRate: dec("0.13")},
			policy:       DiscountPolicy{Kind: DiscountNone},
			includeTax:   true,
			wantUnit:     "100.00",
			wantSubtotal: "100.00",
			wantTax:      "13.00",
			wantTotal:    "113.00",
		},
		{
			name:         "tax rate ignored without includeTax",
			in:           Inputs{UnitBaseCost: dec("100.00"), Quantity: 1, TaxRate: dec("0.13")},
			policy:       DiscountPolicy{Kind: DiscountNone},
			wantUnit:     "100.00",
			wantSubtotal: "100.00",
			wantTax:      "0",
			wantTotal:    "100.00",
		},
		{
			name:         "code required but not given",
			in:           Inputs{UnitBaseCost: dec("100.00"), Quantity: 1},
			policy:       DiscountPolicy{Kind: DiscountPercentage, Amount: dec("25"), MinimumQuantity: 1, CodeRequired: true},
			wantUnit:     "100.00",
			wantSubtotal: "100.00",
			wantTax:      "0",
			wantTotal:    "100.00",
		},
		{
			name:         "code required and given",
			in:           Inputs{UnitBaseCost: dec("100.00"), Quantity: 1, DiscountEligible: true},
			policy:       DiscountPolicy{Kind: DiscountPercentage, Amount: dec("25"), MinimumQuantity: 1, CodeRequired: true},
			wantUnit:     "75.00",
			wantSubtotal: "75.00",
			wantTax:      "0",
			wantTotal:    "75.00",
			wantApplied:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeCost(tt.in, tt.policy, tt.includeTax)
			if err != nil {
				t.Fatalf("ComputeCost: %v", err)
			}
			assertDec(t, "DiscountedUnitPrice", got.DiscountedUnitPrice, tt.wantUnit)
			assertDec(t, "Subtotal", got.Subtotal, tt.wantSubtotal)
			assertDec(t, "TaxAmount", got.TaxAmount, tt.wantTax)
			assertDec(t, "TotalTaxed", got.TotalTaxed, tt.wantTotal)
			if got.DiscountApplied != tt.wantApplied {
				t.Errorf("DiscountApplied = %v, want %v", got.DiscountApplied, tt.wantApplied)
			}
			if !got.Subtotal.Equal(got.DiscountedUnitPrice.Mul(decimal.NewFromInt(int64(tt.in.Quantity)))) {
				t.Errorf("subtotal %s is not discounted unit price x quantity", got.Subtotal)
			}
			if !got.TotalTaxed.Equal(got.Subtotal.Add(got.TaxAmount)) {
				t.Errorf("total %s is not subtotal + tax", got.TotalTaxed)
			}
		})
	}
}

func TestComputeCost_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      Inputs
		policy  DiscountPolicy
		wantErr error
	}{
		{
			name:    "zero quantity",
			in:      Inputs{UnitBaseCost: dec("10"), Quantity: 0},
			wantErr: ErrInsufficientQuantity,
		},
		{
			name:    "negative discount",
			in:      Inputs{UnitBaseCost: dec("10"), Quantity: 1},
			policy:  DiscountPolicy{Kind: DiscountFlatValue, Amount: dec("-1")},
			wantErr: ErrNegativeDiscount,
		},
		{
			name:    "percentage over 100",
			in:      Inputs{UnitBaseCost: dec("10"), Quantity: 1},
			policy:  DiscountPolicy{Kind: DiscountPercentage, Amount: dec("100.5")},
			wantErr: ErrDiscountOutOfRange,
		},
		{
			name:    "percentage over 100 below threshold still fails",
			in:      Inputs{UnitBaseCost: dec("10"), Quantity: 1},
			policy:  DiscountPolicy{Kind: DiscountPercentage, Amount: dec("150"), MinimumQuantity: 5},
			wantErr: ErrDiscountOutOfRange,
		},
		{
			name:    "flat discount above unit cost",
			in:      Inputs{UnitBaseCost: dec("10"), Quantity: 1},
			policy:  DiscountPolicy{Kind: DiscountFlatValue, Amount: dec("11")},
			wantErr: ErrDiscountOutOfRange,
		},
		{
			name:    "flat discount above unit cost once threshold is met",
			in:      Inputs{UnitBaseCost: dec("10"), Quantity: 3},
			policy:  DiscountPolicy{Kind: DiscountFlatValue, Amount: dec("11"), MinimumQuantity: 3},
			wantErr: ErrDiscountOutOfRange,
		},
		{
			name:    "unknown kind",
			in:      Inputs{UnitBaseCost: dec("10"), Quantity: 1},
			policy:  DiscountPolicy{Kind: "bogo"},
			wantErr: ErrUnknownDiscountKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeCost(tt.in, tt.policy, true)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if !IsValidation(err) {
				t.Fatalf("IsValidation(%v) = false", err)
			}
		})
	}
}

func TestComputeCost_BelowThresholdNeverDiscounted(t *testing.T) {
	policies := []DiscountPolicy{
		{Kind: DiscountPercentage, Amount: dec("50"), MinimumQuantity: 3},
		{Kind: DiscountPercentage, Amount: dec("50"), MinimumQuantity: 3, CodeRequired: true},
		{Kind: DiscountFlatValue, Amount: dec("5"), MinimumQuantity: 3},
	}
	for _, policy := range policies {
		for qty := 1; qty < policy.MinimumQuantity; qty++ {
			for _, eligible := range []bool{false, true} {
				got, err := ComputeCost(Inputs{UnitBaseCost: dec("20"), Quantity: qty, DiscountEligible: eligible}, policy, false)
				if err != nil {
					t.Fatalf("ComputeCost: %v", err)
				}
				if got.DiscountApplied || !got.DiscountedUnitPrice.Equal(dec("20")) {
					t.Fatalf("qty %d eligible %v: discount applied under threshold (%+v)", qty, eligible, policy)
				}
			}
		}
	}
}

func TestComputeCost_Deterministic(t *testing.T) {
	in := Inputs{UnitBaseCost: dec("33.33"), Quantity: 7, DiscountEligible: true, TaxRate: dec("0.14975")}
	policy := DiscountPolicy{Kind: DiscountPercentage, Amount: dec("12.5"), MinimumQuantity: 2, CodeRequired: true}

	a, err := ComputeCost(in, policy, true)
	if err != nil {
		t.Fatalf("ComputeCost: %v", err)
	}
	b, err := ComputeCost(in, policy, true)
	if err != nil {
		t.Fatalf("ComputeCost: %v", err)
	}

	pairs := [][2]decimal.Decimal{
		{a.UnitPrice, b.UnitPrice},
		{a.DiscountedUnitPrice, b.DiscountedUnitPrice},
		{a.Subtotal, b.Subtotal},
		{a.TaxAmount, b.TaxAmount},
		{a.TotalTaxed, b.TotalTaxed},
	}
	for _, p := range pairs {
		if p[0].String() != p[1].String() {
			t.Fatalf("non deterministic output: %s vs %s", p[0], p[1])
		}
	}
	if a.DiscountPercent != b.DiscountPercent || a.DiscountApplied != b.DiscountApplied {
		t.Fatalf("non deterministic flags: %+v vs %+v", a, b)
	}
}

func TestComputeCost_DiscountPercent(t *testing.T) {
	got, err := ComputeCost(Inputs{UnitBaseCost: dec("10"), Quantity: 1},
		DiscountPolicy{Kind: DiscountPercentage, Amount: dec("33.7")}, false)
	if err != nil {
		t.Fatalf("ComputeCost: %v", err)
	}
	if got.DiscountPercent != 33 {
		t.Fatalf("DiscountPercent = %d, want 33", got.DiscountPercent)
	}
}

func TestComputeCost_OversizedFlatDiscountNotApplied(t *testing.T) {
	policy := DiscountPolicy{Kind: DiscountFlatValue, Amount: dec("11"), MinimumQuantity: 3, CodeRequired: true}

	tests := []struct {
		name string
		in   Inputs
	}{
		{"below threshold", Inputs{UnitBaseCost: dec("10"), Quantity: 2, DiscountEligible: true}},
		{"code not redeemed", Inputs{UnitBaseCost: dec("10"), Quantity: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeCost(tt.in, policy, false)
			if err != nil {
				t.Fatalf("ComputeCost: %v", err)
			}
			want := dec("10").Mul(decimal.NewFromInt(int64(tt.in.Quantity)))
			if got.DiscountApplied || !got.TotalTaxed.Equal(want) {
				t.Fatalf("got applied=%v total=%s, want undiscounted %s", got.DiscountApplied, got.TotalTaxed, want)
			}
		})
	}
}
