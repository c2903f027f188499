package server

import (
	"context"
	"log/slog"
	"net/http"

	"enrol-payment/internal/handler"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

type Server struct {
	echo            *echo.Echo
	checkoutHandler *handler.CheckoutHandler
	paypalHandler   *handler.PaypalHandler
	auth            echo.MiddlewareFunc
}

func NewServer(
	checkoutHandler *handler.CheckoutHandler,
	paypalHandler *handler.PaypalHandler,
	auth echo.MiddlewareFunc,
	logger *slog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.Any("error", v.Error),
			)
			return nil
		},
	}))
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	s := &Server{
		echo:            e,
		checkoutHandler: checkoutHandler,
		paypalHandler:   paypalHandler,
		auth:            auth,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})

	// -------- checkout (buyer) --------
	checkout := api.Group("/checkout/sessions", s.auth)
	checkout.POST("", s.checkoutHandler.CreateSession)
	checkout.GET("/:token", s.checkoutHandler.GetSession)
	checkout.POST("/:token/discount", s.checkoutHandler.RedeemDiscount)
	checkout.PUT("/:token/recipients", s.checkoutHandler.SetRecipients)
	checkout.DELETE("/:token/recipients", s.checkoutHandler.ClearRecipients)
	checkout.POST("/:token/pay", s.checkoutHandler.Pay)
	checkout.GET("/:token/status", s.checkoutHandler.Status)

	// -------- paypal callbacks --------
	paypal := api.Group("/paypal")
	paypal.POST("/ipn", s.paypalHandler.IPN)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
