package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"enrol-payment/internal/service"

	"github.com/labstack/echo/v4"
)

// maxIPNBody bounds what we read from the notify endpoint.
const maxIPNBody = 64 << 10

type PaypalHandler struct {
	verifier   service.NotificationVerifier
	reconciler service.Reconciler
	logger     *slog.Logger
}

func NewPaypalHandler(verifier service.NotificationVerifier, reconciler service.Reconciler, logger *slog.Logger) *PaypalHandler {
	return &PaypalHandler{
		verifier:   verifier,
		reconciler: reconciler,
		logger:     logger.With("component", "ipn"),
	}
}

// IPN acknowledges every notification it has reached a decision on with 200.
// Only a retryable failure answers 503 so that PayPal redelivers.
func (h *PaypalHandler) IPN(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxIPNBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.WarnContext(ctx, "notification body too large", "limit", tooLarge.Limit)
			return c.NoContent(http.StatusRequestEntityTooLarge)
		}
		return c.NoContent(http.StatusBadRequest)
	}

	n, err := h.verifier.Verify(ctx, body)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrGatewayUnavailable):
		return c.NoContent(http.StatusServiceUnavailable)
	case errors.Is(err, service.ErrMissingCorrelation),
		errors.Is(err, service.ErrMalformedPayload),
		errors.Is(err, service.ErrNotificationInvalid):
		return c.NoContent(http.StatusOK)
	default:
		h.logger.ErrorContext(ctx, "verify notification", "error", err)
		return c.NoContent(http.StatusServiceUnavailable)
	}

	out, err := h.reconciler.Reconcile(ctx, n)
	if err != nil {
		// nothing committed; let the gateway retry
		h.logger.ErrorContext(ctx, "reconcile notification", "txn_id", n.TxnID, "error", err)
		return c.NoContent(http.StatusServiceUnavailable)
	}

	h.logger.InfoContext(ctx, "notification reconciled",
		"txn_id", n.TxnID, "outcome", out.Result, "reason", out.Reason)
	return c.NoContent(http.StatusOK)
}
