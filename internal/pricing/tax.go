package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TaxRule is one "REGION:RATE" definition, e.g. "ON:0.13".
type TaxRule struct {
	Region string
	Rate   decimal.Decimal
}

// ParseTaxRule parses a single "REGION:RATE" definition.
func ParseTaxRule(def string) (TaxRule, error) {
	pieces := strings.Split(def, ":")
	if len(pieces) != 2 {
		return TaxRule{}, fmt.Errorf("tax definition %q: want REGION:RATE", def)
	}

	region := strings.ToLower(strings.TrimSpace(pieces[0]))
	if region == "" {
		return TaxRule{}, fmt.Errorf("tax definition %q: empty region", def)
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(pieces[1]))
	if err != nil {
		return TaxRule{}, fmt.Errorf("tax definition %q: non-numeric rate: %w", def, err)
	}
	if rate.IsNegative() {
		return TaxRule{}, fmt.Errorf("tax definition %q: negative rate", def)
	}

	return TaxRule{Region: region, Rate: rate}, nil
}

// TaxTable resolves a buyer's tax rate. A country rule, when configured,
// takes precedence over the region rules.
type TaxTable struct {
	enabled bool
	country *TaxRule
	regions []TaxRule
}

// NewTaxTable builds a table from raw definitions. Malformed definitions are
// skipped and returned so the caller can log them.
func NewTaxTable(enabled bool, country string, regions []string) (TaxTable, []error) {
	t := TaxTable{enabled: enabled}
	var skipped []error

	if strings.TrimSpace(country) != "" {
		rule, err := ParseTaxRule(country)
		if err != nil {
			skipped = append(skipped, err)
		} else {
			t.country = &rule
		}
	}

	for _, def := range regions {
		if strings.TrimSpace(def) == "" {
			continue
		}
		rule, err := ParseTaxRule(def)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		t.regions = append(t.regions, rule)
	}

	return t, skipped
}

// Rate returns the rate for a buyer, or zero when nothing matches.
func (t TaxTable) Rate(country, region string) decimal.Decimal {
	if !t.enabled {
		return decimal.Zero
	}

	if t.country != nil {
		if t.country.Region == strings.ToLower(strings.TrimSpace(country)) {
			return t.country.Rate
		}
		return decimal.Zero
	}

	region = strings.ToLower(strings.TrimSpace(region))
	for _, rule := range t.regions {
		if rule.Region == region {
			return rule.Rate
		}
	}
	return decimal.Zero
}
