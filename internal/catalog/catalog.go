// Package catalog reads the product catalog file that seeds the product table.
package catalog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"enrol-payment/internal/model"
	"enrol-payment/internal/pricing"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Discount is the discount block of a catalog entry.
type Discount struct {
	Kind         string `yaml:"kind"`
	Amount       string `yaml:"amount"`
	MinQuantity  int    `yaml:"min_quantity"`
	CodeRequired bool   `yaml:"code_required"`
	Code         string `yaml:"code"`
}

// Entry is one product in the catalog file.
type Entry struct {
	ID            string   `yaml:"id"`
	ContextID     string   `yaml:"context_id"`
	Name          string   `yaml:"name"`
	Cost          string   `yaml:"cost"`
	Currency      string   `yaml:"currency"`
	Receiver      string   `yaml:"receiver"`
	Validity      string   `yaml:"validity"` // Go duration, "" or "0" for unbounded
	Role          string   `yaml:"role"`
	GroupID       string   `yaml:"group_id"`
	SendWelcome   bool     `yaml:"send_welcome"`
	AllowMultiple bool     `yaml:"allow_multiple"`
	Discount      Discount `yaml:"discount"`
}

// Catalog represents a parsed catalog file.
type Catalog struct {
	Products []Entry `yaml:"products"`
}

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML and checks every entry.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	seen := make(map[string]bool, len(c.Products))
	for i, e := range c.Products {
		if e.ID == "" {
			return nil, fmt.Errorf("product #%d: id is required", i+1)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("product %q: defined twice", e.ID)
		}
		seen[e.ID] = true
		if e.Currency == "" {
			return nil, fmt.Errorf("product %q: currency is required", e.ID)
		}
	}

	return &c, nil
}

// Models converts the catalog into product rows. Prices and rates are
// validated here so a bad catalog fails at startup, not at checkout.
func (c *Catalog) Models() ([]*model.Product, error) {
	products := make([]*model.Product, 0, len(c.Products))
	for _, e := range c.Products {
		p, err := e.model()
		if err != nil {
			return nil, fmt.Errorf("product %q: %w", e.ID, err)
		}
		products = append(products, p)
	}
	return products, nil
}

func (e Entry) model() (*model.Product, error) {
	cost, err := parseAmount(e.Cost)
	if err != nil {
		return nil, fmt.Errorf("cost: %w", err)
	}

	var validity time.Duration
	if v := strings.TrimSpace(e.Validity); v != "" && v != "0" {
		validity, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("validity: %w", err)
		}
		if validity < 0 {
			return nil, fmt.Errorf("validity: negative duration %s", v)
		}
	}

	kind := pricing.DiscountKind(strings.ToLower(strings.TrimSpace(e.Discount.Kind)))
	if kind == "" {
		kind = pricing.DiscountNone
	}
	amount, err := parseAmount(e.Discount.Amount)
	if err != nil {
		return nil, fmt.Errorf("discount amount: %w", err)
	}
	minQty := e.Discount.MinQuantity
	if minQty < 1 {
		minQty = 1
	}

	p := &model.Product{
		ID:                   e.ID,
		ContextID:            e.ContextID,
		Name:                 e.Name,
		Cost:                 cost,
		Currency:             strings.ToUpper(strings.TrimSpace(e.Currency)),
		Receiver:             strings.TrimSpace(e.Receiver),
		ValidityPeriod:       validity,
		Role:                 e.Role,
		GroupID:              e.GroupID,
		SendWelcome:          e.SendWelcome,
		AllowMultiple:        e.AllowMultiple,
		DiscountKind:         kind,
		DiscountAmount:       amount,
		DiscountMinQuantity:  minQty,
		DiscountCodeRequired: e.Discount.CodeRequired,
		DiscountCode:         e.Discount.Code,
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	// reject policies the pricing engine would refuse at checkout
	unit := cost
	if !unit.IsPositive() {
		unit = decimal.NewFromInt(1).Add(amount)
	}
	applied := pricing.Inputs{UnitBaseCost: unit, Quantity: minQty, DiscountEligible: true}
	if _, err := pricing.ComputeCost(applied, p.DiscountPolicy(), false); err != nil {
		return nil, fmt.Errorf("discount: %w", err)
	}

	return p, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
