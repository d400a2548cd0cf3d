package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-ticketing/internal/handler"
)

// Limits holds one rate limiter per buyer-facing scope.  Nil entries are
// allowed and mean unlimited.
type Limits struct {
	Reserve  echo.MiddlewareFunc
	Checkout echo.MiddlewareFunc
	Webhook  echo.MiddlewareFunc
}

func orPass(m echo.MiddlewareFunc) echo.MiddlewareFunc {
	if m == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return m
}

// RegisterBuyer registers reservation, checkout and provider callback
// routes.  Buyers are anonymous; each scope drains its own bucket.
func RegisterBuyer(e *echo.Echo, r *handler.ReservationHandler, co *handler.CheckoutHandler, wh *handler.WebhookHandler, l Limits) {
	reserve := orPass(l.Reserve)
	e.POST("/api/reservations", r.Reserve, reserve)
	e.DELETE("/api/reservations", r.Cancel, reserve)

	checkout := orPass(l.Checkout)
	e.POST("/api/checkout", co.Start, checkout)
	e.GET("/api/payments/:ref/verify", co.Verify, checkout)

	e.POST("/api/webhook", wh.Notify, orPass(l.Webhook))

	// provider back URLs
	e.GET("/success", co.Return("success"))
	e.GET("/pending", co.Return("pending"))
	e.GET("/error", co.Return("error"))
}
