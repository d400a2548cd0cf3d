package router // router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-ticketing/internal/handler"
	"github.com/iliyamo/raffle-ticketing/internal/middleware"
	"github.com/iliyamo/raffle-ticketing/internal/utils"
)

// RegisterAdmin registers back-office endpoints under /v1/admin.
// All routes require a valid JWT and the ADMIN role.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleAdmin),
	)

	// ---- Prizes ----
	g.GET("/prizes", a.ListPrizes)
	g.POST("/prizes", a.CreatePrize)
	g.GET("/prizes/:id", a.GetPrize)
	g.PUT("/prizes/:id", a.UpdatePrize)
	g.DELETE("/prizes/:id", a.DeletePrize)
	g.GET("/prizes/:id/numbers", a.PrizeNumbers)

	// ---- Draws ----
	g.GET("/prizes/:id/eligibility", a.Eligibility)
	g.GET("/prizes/:id/draws", a.DrawHistory)
	g.POST("/prizes/:id/draws", a.RunDraw)

	// ---- Purchases and notifications ----
	g.GET("/purchases", a.Purchases)
	g.GET("/purchases/:ref", a.Purchase)
	g.GET("/stats", a.Stats)
	g.GET("/webhooks", a.WebhookLogs)
	g.POST("/webhooks/replay", a.ReplayWebhooks)
}
