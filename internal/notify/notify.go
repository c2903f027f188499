// Package notify delivers buyer and administrator messages. Delivery is
// fire-and-forget for callers: a failed publish is logged, never returned
// into the payment path.
package notify

import (
	"context"
	"log/slog"
	"time"
)

const (
	RoutingBuyer   = "enrolment.buyer"
	RoutingAdmin   = "enrolment.admin"
	RoutingWelcome = "enrolment.welcome"
)

// Message is the envelope published for every notification.
type Message struct {
	Kind      string            `json:"kind"`
	Recipient string            `json:"recipient,omitempty"`
	Subject   string            `json:"subject"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Notifier interface {
	NotifyBuyer(ctx context.Context, buyerID, subject string, fields map[string]string)
	NotifyAdministrator(ctx context.Context, subject string, fields map[string]string)
	Welcome(ctx context.Context, recipientID, productName string)
}

// LogNotifier writes every message to the log. It is used when no broker is
// configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) NotifyBuyer(ctx context.Context, buyerID, subject string, fields map[string]string) {
	n.logger.InfoContext(ctx, "buyer notification", "buyer_id", buyerID, "subject", subject, "fields", fields)
}

func (n *LogNotifier) NotifyAdministrator(ctx context.Context, subject string, fields map[string]string) {
	n.logger.WarnContext(ctx, "administrator notification", "subject", subject, "fields", fields)
}

func (n *LogNotifier) Welcome(ctx context.Context, recipientID, productName string) {
	n.logger.InfoContext(ctx, "welcome message", "recipient_id", recipientID, "product", productName)
}
