package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"enrol-payment/internal/config"

	"github.com/shopspring/decimal"
)

type Verdict string

const (
	VerdictVerified Verdict = "VERIFIED"
	VerdictInvalid  Verdict = "INVALID"
)

// ErrVerifyTransport covers timeouts, connection failures, non-2xx replies
// and replies that carry no verdict. The gateway will redeliver.
var ErrVerifyTransport = errors.New("paypal verify round-trip failed")

// CheckoutRequest is what the buyer is sent to the gateway with.
type CheckoutRequest struct {
	ItemName  string
	Amount    decimal.Decimal
	Currency  string
	Custom    string // session token, echoed back on the notification
	NotifyURL string
	ReturnURL string
	Business  string // empty uses the configured account
}

type PaypalClient interface {
	// VerifyNotification posts the raw IPN body back to PayPal and returns
	// its verdict.
	VerifyNotification(ctx context.Context, rawBody []byte) (Verdict, error)
	CheckoutURL(req CheckoutRequest) string
}

type paypalClientImpl struct {
	httpClient  *http.Client
	verifyURL   string
	checkoutURL string
	business    string
}

func NewPaypalClient(paypalCfg *config.Paypal) PaypalClient {
	return &paypalClientImpl{
		httpClient: &http.Client{
			Timeout: paypalCfg.VerifyTimeout,
		},
		verifyURL:   paypalCfg.VerifyEndpoint(),
		checkoutURL: paypalCfg.CheckoutEndpoint(),
		business:    paypalCfg.Business,
	}
}

func (c *paypalClientImpl) VerifyNotification(ctx context.Context, rawBody []byte) (Verdict, error) {
	payload := make([]byte, 0, len(rawBody)+len("cmd=_notify-validate&"))
	payload = append(payload, "cmd=_notify-validate"...)
	if len(rawBody) > 0 {
		payload = append(payload, '&')
		payload = append(payload, rawBody...)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerifyTransport, err)
	}
	defer resp.Body.Close()

	// verdicts are tiny, anything longer is not one
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrVerifyTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status=%d body=%s", ErrVerifyTransport, resp.StatusCode, string(body))
	}

	switch Verdict(strings.TrimSpace(string(body))) {
	case VerdictVerified:
		return VerdictVerified, nil
	case VerdictInvalid:
		return VerdictInvalid, nil
	}
	return "", fmt.Errorf("%w: unexpected verdict %q", ErrVerifyTransport, string(body))
}

func (c *paypalClientImpl) CheckoutURL(req CheckoutRequest) string {
	business := req.Business
	if business == "" {
		business = c.business
	}

	q := url.Values{}
	q.Set("cmd", "_xclick")
	q.Set("charset", "utf-8")
	q.Set("business", business)
	q.Set("item_name", req.ItemName)
	q.Set("quantity", "1")
	q.Set("amount", req.Amount.StringFixed(2))
	q.Set("currency_code", req.Currency)
	q.Set("custom", req.Custom)
	q.Set("notify_url", req.NotifyURL)
	q.Set("return", req.ReturnURL)
	q.Set("no_shipping", "1")

	sep := "?"
	if strings.Contains(c.checkoutURL, "?") {
		sep = "&"
	}
	return c.checkoutURL + sep + q.Encode()
}
