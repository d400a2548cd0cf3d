package router // package router defines how HTTP routes are registered for the API

import (
	"database/sql"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-ticketing/internal/handler"
	"github.com/iliyamo/raffle-ticketing/internal/metrics"
)

// RegisterRoutes registers the operational endpoints: health and the
// Prometheus scrape target.
func RegisterRoutes(e *echo.Echo, db *sql.DB) {
	e.GET("/healthz", handler.Health(db))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// RegisterAuth registers the admin login.  It is the only route that
// issues tokens.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, limit echo.MiddlewareFunc) {
	e.POST("/v1/admin/login", a.Login, orPass(limit))
}

// RegisterPublic registers the unauthenticated catalogue.  cache wraps
// only the prize listing; number states change too often to cache.
func RegisterPublic(e *echo.Echo, p *handler.PublicHandler, cache echo.MiddlewareFunc) {
	cache = orPass(cache)
	e.GET("/api/prizes", p.ListPrizes, cache)
	e.GET("/api/prizes/:id/numbers", p.Numbers)
	e.GET("/api/prizes/:id/counts", p.Counts)
}
