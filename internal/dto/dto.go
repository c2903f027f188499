package dto

import (
	"enrol-payment/internal/pricing"
	"enrol-payment/internal/service"
)

type CreateSessionRequest struct {
	ProductID string `json:"product_id"`
}

type RedeemRequest struct {
	Code string `json:"code"`
}

type RecipientsRequest struct {
	Emails []string `json:"emails"`
}

// Cost is rendered with two decimals; computation keeps full precision.
type Cost struct {
	UnitPrice           string `json:"unit_price"`
	DiscountedUnitPrice string `json:"discounted_unit_price"`
	Subtotal            string `json:"subtotal"`
	TaxAmount           string `json:"tax_amount"`
	TotalTaxed          string `json:"total_taxed"`
	DiscountPercent     int64  `json:"discount_percent"`
	DiscountApplied     bool   `json:"discount_applied"`
}

type SessionResponse struct {
	Token            string   `json:"token"`
	ProductID        string   `json:"product_id"`
	ProductName      string   `json:"product_name"`
	Currency         string   `json:"currency"`
	Status           string   `json:"status"`
	Quantity         int      `json:"quantity"`
	Multiple         bool     `json:"multiple"`
	RecipientIDs     []string `json:"recipient_ids,omitempty"`
	DiscountEligible bool     `json:"discount_eligible"`
	CodeRequired     bool     `json:"code_required"`
	Cost             Cost     `json:"cost"`
}

type PayResponse struct {
	Token       string `json:"token"`
	CheckoutURL string `json:"checkout_url"`
	Cost        Cost   `json:"cost"`
}

type StatusResponse struct {
	Token             string `json:"token"`
	Status            string `json:"status"`
	Entitled          bool   `json:"entitled"`
	LastPaymentStatus string `json:"last_payment_status,omitempty"`
}

type ErrorResponse struct {
	Error  string   `json:"error"`
	Emails []string `json:"emails,omitempty"`
}

func NewCost(c *pricing.CostBreakdown) Cost {
	return Cost{
		UnitPrice:           c.UnitPrice.StringFixed(2),
		DiscountedUnitPrice: c.DiscountedUnitPrice.StringFixed(2),
		Subtotal:            c.Subtotal.StringFixed(2),
		TaxAmount:           c.TaxAmount.StringFixed(2),
		TotalTaxed:          c.TotalTaxed.StringFixed(2),
		DiscountPercent:     c.DiscountPercent,
		DiscountApplied:     c.DiscountApplied,
	}
}

func NewSessionResponse(v *service.SessionView) *SessionResponse {
	s := v.Session
	resp := &SessionResponse{
		Token:            s.Token,
		ProductID:        s.ProductID,
		ProductName:      v.Product.Name,
		Currency:         v.Product.Currency,
		Status:           string(s.Status),
		Quantity:         s.Quantity,
		Multiple:         s.Multiple,
		DiscountEligible: s.DiscountEligible,
		CodeRequired:     v.Product.DiscountCodeRequired,
		Cost:             NewCost(v.Cost),
	}
	if s.Multiple {
		resp.RecipientIDs = append([]string(nil), s.RecipientIDs...)
	}
	return resp
}
