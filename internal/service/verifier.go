package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"enrol-payment/internal/client"
	"enrol-payment/internal/model"
	"enrol-payment/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrMissingCorrelation: the payload has no session token. Other
	// notification types share the endpoint, so this is logged and dropped.
	ErrMissingCorrelation = errors.New("notification carries no correlation token")
	// ErrMalformedPayload is a hard parse failure; redelivery will not help.
	ErrMalformedPayload = errors.New("malformed notification payload")
	// ErrGatewayUnavailable is retryable; the gateway redelivers.
	ErrGatewayUnavailable = errors.New("payment gateway verification unavailable")
	// ErrNotificationInvalid: the gateway disowned the payload. Terminal.
	ErrNotificationInvalid = errors.New("payment gateway rejected notification")
)

var ipnKey = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type NotificationVerifier interface {
	Verify(ctx context.Context, rawBody []byte) (*model.Notification, error)
}

type verifierImpl struct {
	db           *gorm.DB
	paypalClient client.PaypalClient
	transactions repository.TransactionRepository
	logger       *slog.Logger
}

func NewNotificationVerifier(
	db *gorm.DB,
	paypalClient client.PaypalClient,
	transactions repository.TransactionRepository,
	logger *slog.Logger,
) NotificationVerifier {
	return &verifierImpl{
		db:           db,
		paypalClient: paypalClient,
		transactions: transactions,
		logger:       logger.With("component", "verifier"),
	}
}

func (v *verifierImpl) Verify(ctx context.Context, rawBody []byte) (*model.Notification, error) {
	fields, err := ParseIPN(rawBody)
	if err != nil {
		v.logger.ErrorContext(ctx, "unparseable notification", "error", err)
		return nil, err
	}

	n, err := notificationFrom(fields)
	if err != nil {
		v.logger.ErrorContext(ctx, "unparseable notification", "txn_id", fields["txn_id"], "error", err)
		return nil, err
	}
	if n.Token == "" {
		v.logger.InfoContext(ctx, "notification without correlation token dropped",
			"txn_type", fields["txn_type"], "txn_id", n.TxnID)
		return nil, ErrMissingCorrelation
	}

	verdict, err := v.paypalClient.VerifyNotification(ctx, rawBody)
	if err != nil {
		v.logger.WarnContext(ctx, "verification round-trip failed", "txn_id", n.TxnID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if verdict != client.VerdictVerified {
		v.logger.ErrorContext(ctx, "gateway reported notification invalid", "txn_id", n.TxnID, "token", n.Token)
		if err := v.transactions.Append(ctx, v.db, &model.NotificationRecord{
			TxnID:         n.TxnID,
			SessionToken:  n.Token,
			PaymentStatus: n.PaymentStatus,
			PendingReason: n.PendingReason,
			Gross:         n.Gross,
			Currency:      n.Currency,
			Receiver:      n.Receiver,
			Outcome:       model.OutcomeInvalid,
			RawPayload:    rawPayload(n.Fields),
			ReceivedAt:    time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("record invalid notification: %w", err)
		}
		return nil, ErrNotificationInvalid
	}

	return n, nil
}

// ParseIPN decodes a form-encoded notification. Every key must be a plain
// scalar name; a repeated key or a bracketed array key is rejected.
func ParseIPN(rawBody []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	fields := make(map[string]string, len(values))
	for key, vals := range values {
		if !ipnKey.MatchString(key) {
			return nil, fmt.Errorf("%w: invalid key %q", ErrMalformedPayload, key)
		}
		if len(vals) != 1 {
			return nil, fmt.Errorf("%w: key %q repeated", ErrMalformedPayload, key)
		}
		fields[key] = vals[0]
	}
	return fields, nil
}

func notificationFrom(fields map[string]string) (*model.Notification, error) {
	gross := decimal.Zero
	if raw := strings.TrimSpace(fields["mc_gross"]); raw != "" {
		var err error
		gross, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: mc_gross %q", ErrMalformedPayload, raw)
		}
	}

	receiver := strings.TrimSpace(fields["business"])
	if receiver == "" {
		receiver = strings.TrimSpace(fields["receiver_email"])
	}

	return &model.Notification{
		Token:         strings.TrimSpace(fields["custom"]),
		TxnID:         strings.TrimSpace(fields["txn_id"]),
		PaymentStatus: strings.TrimSpace(fields["payment_status"]),
		PendingReason: strings.TrimSpace(fields["pending_reason"]),
		Gross:         gross,
		Currency:      strings.TrimSpace(fields["mc_currency"]),
		Receiver:      receiver,
		Fields:        fields,
	}, nil
}
