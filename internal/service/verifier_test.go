package service

import (
	"context"
	"errors"
	"testing"

	"enrol-payment/internal/client"
	"enrol-payment/internal/model"
	"enrol-payment/internal/testutil"

	"github.com/shopspring/decimal"
)

const validIPN = "txn_id=TXN-1&custom=tok123&payment_status=Completed&mc_gross=113.00&mc_currency=USD&business=merchant%40example.com&item_name=Course+p1"

func newVerifier(f *fixture) NotificationVerifier {
	return NewNotificationVerifier(f.db, f.paypal, f.transactions, testutil.Logger())
}

func TestVerify_Verified(t *testing.T) {
	f := newFixture(t)

	n, err := newVerifier(f).Verify(context.Background(), []byte(validIPN))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n.Token != "tok123" || n.TxnID != "TXN-1" || n.PaymentStatus != model.PaymentStatusCompleted {
		t.Fatalf("notification = %+v", n)
	}
	if !n.Gross.Equal(decimal.RequireFromString("113")) || n.Currency != "USD" {
		t.Fatalf("amount = %s %s", n.Gross, n.Currency)
	}
	if n.Receiver != "merchant@example.com" {
		t.Fatalf("receiver = %q", n.Receiver)
	}
	if n.Fields["item_name"] != "Course p1" {
		t.Fatal("unknown fields not carried through")
	}
	if f.paypal.calls != 1 {
		t.Fatalf("gateway calls = %d", f.paypal.calls)
	}
}

func TestVerify_ReceiverFallsBackToReceiverEmail(t *testing.T) {
	f := newFixture(t)

	n, err := newVerifier(f).Verify(context.Background(), []byte("txn_id=T&custom=c&receiver_email=shop%40example.com"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n.Receiver != "shop@example.com" {
		t.Fatalf("receiver = %q", n.Receiver)
	}
}

func TestVerify_InvalidIsAudited(t *testing.T) {
	f := newFixture(t)
	f.paypal.verdict = client.VerdictInvalid

	_, err := newVerifier(f).Verify(context.Background(), []byte(validIPN))
	if !errors.Is(err, ErrNotificationInvalid) {
		t.Fatalf("err = %v, want ErrNotificationInvalid", err)
	}

	var rec model.NotificationRecord
	if err := f.db.First(&rec).Error; err != nil {
		t.Fatalf("load audit record: %v", err)
	}
	if rec.Outcome != model.OutcomeInvalid || rec.TxnID != "TXN-1" || rec.DedupKey != nil {
		t.Fatalf("audit record = %+v", rec)
	}

	// a forged payload must not pre-claim the genuine event
	exists, err := f.transactions.Exists(context.Background(), f.db, "TXN-1", model.PaymentStatusCompleted)
	if err != nil || exists {
		t.Fatalf("forged record claimed dedup key: %v, %v", exists, err)
	}
}

func TestVerify_TransportFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.paypal.err = client.ErrVerifyTransport

	_, err := newVerifier(f).Verify(context.Background(), []byte(validIPN))
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
	if f.ledgerCount(t) != 0 {
		t.Fatal("transient failure changed local state")
	}
}

func TestVerify_MissingCorrelationSkipsGateway(t *testing.T) {
	f := newFixture(t)

	_, err := newVerifier(f).Verify(context.Background(), []byte("txn_id=T&txn_type=new_case&payment_status=Completed"))
	if !errors.Is(err, ErrMissingCorrelation) {
		t.Fatalf("err = %v, want ErrMissingCorrelation", err)
	}
	if f.paypal.calls != 0 {
		t.Fatal("gateway called for uncorrelated notification")
	}
}

func TestParseIPN_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"repeated key", "custom=a&custom=b"},
		{"array key", "custom=a&item%5B%5D=x"},
		{"bad escape", "custom=%zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseIPN([]byte(tt.body)); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestVerify_MalformedGross(t *testing.T) {
	f := newFixture(t)

	_, err := newVerifier(f).Verify(context.Background(), []byte("custom=c&txn_id=T&mc_gross=ten"))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
	if f.paypal.calls != 0 {
		t.Fatal("gateway called for malformed payload")
	}
}
