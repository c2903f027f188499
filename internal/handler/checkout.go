package handler

import (
	"errors"
	"net/http"

	"enrol-payment/internal/dto"
	"enrol-payment/internal/middleware"
	"enrol-payment/internal/pricing"
	"enrol-payment/internal/repository"
	"enrol-payment/internal/service"

	"github.com/labstack/echo/v4"
)

type CheckoutHandler struct {
	checkoutService service.CheckoutService
	discountService service.DiscountService
}

func NewCheckoutHandler(checkoutService service.CheckoutService, discountService service.DiscountService) *CheckoutHandler {
	return &CheckoutHandler{
		checkoutService: checkoutService,
		discountService: discountService,
	}
}

func (h *CheckoutHandler) CreateSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CreateSessionRequest
	if err := c.Bind(&req); err != nil || req.ProductID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	view, err := h.checkoutService.CreateSession(ctx, middleware.BuyerID(c), req.ProductID)
	if err != nil {
		return checkoutError(c, err)
	}

	return c.JSON(http.StatusCreated, dto.NewSessionResponse(view))
}

func (h *CheckoutHandler) GetSession(c echo.Context) error {
	ctx := c.Request().Context()

	view, err := h.checkoutService.GetSession(ctx, middleware.BuyerID(c), c.Param("token"))
	if err != nil {
		return checkoutError(c, err)
	}

	return c.JSON(http.StatusOK, dto.NewSessionResponse(view))
}

func (h *CheckoutHandler) RedeemDiscount(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.RedeemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	cost, err := h.discountService.Redeem(ctx, middleware.BuyerID(c), c.Param("token"), req.Code)
	if err != nil {
		return checkoutError(c, err)
	}

	return c.JSON(http.StatusOK, dto.NewCost(cost))
}

func (h *CheckoutHandler) SetRecipients(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.RecipientsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	view, err := h.checkoutService.SetRecipients(ctx, middleware.BuyerID(c), c.Param("token"), req.Emails)
	if err != nil {
		return checkoutError(c, err)
	}

	return c.JSON(http.StatusOK, dto.NewSessionResponse(view))
}

func (h *CheckoutHandler) ClearRecipients(c echo.Context) error {
	ctx := c.Request().Context()

	view, err := h.checkoutService.SetSingle(ctx, middleware.BuyerID(c), c.Param("token"))
	if err != nil {
		return checkoutError(c, err)
	}

	return c.JSON(http.StatusOK, dto.NewSessionResponse(view))
}

func (h *CheckoutHandler) Pay(c echo.Context) error {
	ctx := c.Request().Context()

	redirect, err := h.checkoutService.BeginPayment(ctx, middleware.BuyerID(c), c.Param("token"))
	if err != nil {
		return checkoutError(c, err)
	}

	return c.JSON(http.StatusOK, &dto.PayResponse{
		Token:       redirect.Token,
		CheckoutURL: redirect.CheckoutURL,
		Cost:        dto.NewCost(redirect.Cost),
	})
}

// Status is polled by the buyer until settlement; it holds no state.
func (h *CheckoutHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	status, err := h.checkoutService.Status(ctx, middleware.BuyerID(c), c.Param("token"))
	if err != nil {
		return checkoutError(c, err)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, &dto.StatusResponse{
		Token:             status.Token,
		Status:            string(status.Status),
		Entitled:          status.Entitled,
		LastPaymentStatus: status.LastPaymentStatus,
	})
}

func checkoutError(c echo.Context, err error) error {
	var notFound *service.RecipientsNotFoundError
	switch {
	case errors.As(err, &notFound):
		return c.JSON(http.StatusUnprocessableEntity, &dto.ErrorResponse{Error: "unknown recipients", Emails: notFound.Emails})
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrProductNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrUserNotFound):
		return echo.NewHTTPError(http.StatusForbidden, "unknown buyer")
	case errors.Is(err, service.ErrIncorrectCode):
		return c.JSON(http.StatusUnprocessableEntity, &dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrSessionNotOpen),
		errors.Is(err, repository.ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrNoCost),
		errors.Is(err, service.ErrMultipleNotAllowed),
		errors.Is(err, service.ErrDuplicateRecipient),
		errors.Is(err, service.ErrNoRecipients),
		pricing.IsValidation(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return err
}
