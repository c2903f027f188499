package model

import (
	"time"

	"enrol-payment/internal/pricing"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionCreated         SessionStatus = "CREATED"
	SessionAwaitingGateway SessionStatus = "AWAITING_GATEWAY"
	SessionPending         SessionStatus = "PENDING"
	SessionSettled         SessionStatus = "SETTLED"
	SessionRejected        SessionStatus = "REJECTED"
)

// Terminal reports whether no further notification may change the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionSettled || s == SessionRejected
}

// Open reports whether the buyer may still change what is being bought.
func (s SessionStatus) Open() bool {
	return s == SessionCreated || s == SessionAwaitingGateway
}

// PurchaseSession is a priced intent to buy. UnitBaseCost and TaxRate are
// captured at creation and never written again.
type PurchaseSession struct {
	ID                   uint                        `gorm:"primaryKey"`
	Token                string                      `gorm:"size:64;uniqueIndex;not null"`
	BuyerID              string                      `gorm:"size:64;index;not null"`
	ProductID            string                      `gorm:"size:64;index;not null"`
	ContextID            string                      `gorm:"size:64;index"`
	Quantity             int                         `gorm:"not null;default:1"`
	Multiple             bool                        `gorm:"not null;default:false"`
	RecipientIDs         datatypes.JSONSlice[string]
	UnitBaseCost         decimal.Decimal             `gorm:"type:decimal(20,8);not null"`
	DiscountEligible     bool                        `gorm:"not null;default:false"`
	TaxRate              decimal.Decimal             `gorm:"type:decimal(12,8);not null"`
	GatewayCorrelationID *string                     `gorm:"size:64;index"`
	Status               SessionStatus               `gorm:"size:32;index;not null"`
	Version              int64                       `gorm:"not null;default:0"`
	GrantedAt            *time.Time                  // every recipient grant succeeded
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Recipients returns who receives the entitlement: the listed recipients for
// a multi-recipient session, otherwise the buyer.
func (s *PurchaseSession) Recipients() []string {
	if s.Multiple && len(s.RecipientIDs) > 0 {
		return append([]string(nil), s.RecipientIDs...)
	}
	return []string{s.BuyerID}
}

func (s *PurchaseSession) PricingInputs() pricing.Inputs {
	return pricing.Inputs{
		UnitBaseCost:     s.UnitBaseCost,
		Quantity:         s.Quantity,
		DiscountEligible: s.DiscountEligible,
		TaxRate:          s.TaxRate,
	}
}

type NotificationOutcome string

const (
	OutcomeSettled  NotificationOutcome = "SETTLED"
	OutcomePending  NotificationOutcome = "PENDING"
	OutcomeRejected NotificationOutcome = "REJECTED"
	OutcomeIgnored  NotificationOutcome = "IGNORED"
	OutcomeInvalid  NotificationOutcome = "INVALID" // gateway said the payload is not genuine
)

// NotificationRecord is one ledger row per received notification. DedupKey is
// only set for verified, correlated notifications; the unique index on it is
// what suppresses duplicate deliveries.
type NotificationRecord struct {
	ID            string              `gorm:"primaryKey;size:36;not null"`
	DedupKey      *string             `gorm:"size:191;uniqueIndex"`
	TxnID         string              `gorm:"size:64;index"`
	SessionID     *uint               `gorm:"index"`
	SessionToken  string              `gorm:"size:64;index"`
	PaymentStatus string              `gorm:"size:32"`
	PendingReason string              `gorm:"size:64"`
	Gross         decimal.Decimal     `gorm:"type:decimal(20,8)"`
	Currency      string              `gorm:"size:8"`
	Receiver      string              `gorm:"size:128"`
	Outcome       NotificationOutcome `gorm:"size:16;index;not null"`
	Reason        string              `gorm:"size:64"`
	RawPayload    datatypes.JSON
	ReceivedAt    time.Time `gorm:"not null"`
	CreatedAt     time.Time
}

// DedupKeyFor is the natural key of a gateway event: the same transaction
// moving from Pending to Completed is two distinct events.
func DedupKeyFor(txnID, paymentStatus string) string {
	return txnID + "|" + paymentStatus
}

// Product is the read-only pricing configuration of something purchasable.
type Product struct {
	ID        string          `gorm:"primaryKey;size:64;not null"`
	ContextID string          `gorm:"size:64;index"`
	Name      string          `gorm:"size:255"`
	Cost      decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Currency  string          `gorm:"size:8;not null"`
	// Receiver is the merchant account payments must be addressed to; empty
	// means the service-wide account.
	Receiver       string        `gorm:"size:128"`
	ValidityPeriod time.Duration `gorm:"not null;default:0"`
	Role           string        `gorm:"size:64"`
	GroupID        string        `gorm:"size:64"`
	SendWelcome    bool          `gorm:"not null;default:false"`
	AllowMultiple  bool          `gorm:"not null;default:false"`

	DiscountKind         pricing.DiscountKind `gorm:"size:16;not null"`
	DiscountAmount       decimal.Decimal      `gorm:"type:decimal(20,8);not null"`
	DiscountMinQuantity  int                  `gorm:"not null;default:1"`
	DiscountCodeRequired bool                 `gorm:"not null;default:false"`
	DiscountCode         string               `gorm:"size:128"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Product) DiscountPolicy() pricing.DiscountPolicy {
	return pricing.DiscountPolicy{
		Kind:            p.DiscountKind,
		Amount:          p.DiscountAmount,
		MinimumQuantity: p.DiscountMinQuantity,
		CodeRequired:    p.DiscountCodeRequired,
	}
}

type User struct {
	ID        string `gorm:"primaryKey;size:64;not null"`
	Email     string `gorm:"size:191;uniqueIndex;not null"`
	FirstName string `gorm:"size:100"`
	LastName  string `gorm:"size:100"`
	Country   string `gorm:"size:8"`
	TaxRegion string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Email
}

// Entitlement is the access a settled purchase grants. Revoked rows are kept
// with Active=false.
type Entitlement struct {
	RecipientID string     `gorm:"primaryKey;size:64;not null"`
	ProductID   string     `gorm:"primaryKey;size:64;not null"`
	ContextID   string     `gorm:"size:64;index"`
	Role        string     `gorm:"size:64"`
	GroupID     string     `gorm:"size:64"`
	ValidFrom   time.Time  `gorm:"not null"`
	ValidUntil  *time.Time `gorm:"index"`
	Active      bool       `gorm:"index;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
