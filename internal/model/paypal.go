package model

import (
	"github.com/shopspring/decimal"
)

const (
	PaymentStatusCompleted = "Completed"
	PaymentStatusPending   = "Pending"

	// PendingReasonEcheck is the one clearing reason that still grants access.
	PendingReasonEcheck = "echeck"
)

// Notification is an inbound IPN message after field normalisation. Fields
// holds every key exactly as received, for the ledger.
type Notification struct {
	Token         string // custom
	TxnID         string // txn_id
	PaymentStatus string // payment_status
	PendingReason string // pending_reason
	Gross         decimal.Decimal
	Currency      string // mc_currency
	Receiver      string // business, falling back to receiver_email
	Fields        map[string]string
}

// Held reports a pending payment that is not yet safe to grant on.
func (n *Notification) Held() bool {
	return n.PaymentStatus == PaymentStatusPending && n.PendingReason != PendingReasonEcheck
}

// Recognized reports whether the status is settled or clearing.
func (n *Notification) Recognized() bool {
	return n.PaymentStatus == PaymentStatusCompleted || n.PaymentStatus == PaymentStatusPending
}
