package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/raffle"
	"github.com/iliyamo/raffle-ticketing/internal/repository"
)

// AdminHandler backs the back office.  All routes sit behind JWTAuth and
// the ADMIN role.
type AdminHandler struct {
	Pool     *raffle.Pool
	Ledger   *raffle.Ledger
	Rec      *raffle.Reconciler
	Draws    *raffle.Draws
	Webhooks *repository.WebhookLogRepo
	// Purge drops cached public responses after a prize write.  Optional.
	Purge func(ctx context.Context)
}

type prizeReq struct {
	Name         string          `json:"name" validate:"required,max=200"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	TotalNumbers int             `json:"total_numbers" validate:"gte=0"`
	Active       *bool           `json:"active"`
	Icon         string          `json:"icon" validate:"max=64"`
}

func (r prizeReq) input() raffle.PrizeInput {
	return raffle.PrizeInput{
		Name:         r.Name,
		Description:  r.Description,
		Price:        r.Price,
		TotalNumbers: r.TotalNumbers,
		Active:       r.Active,
		Icon:         r.Icon,
	}
}

func (h *AdminHandler) purge(c echo.Context) {
	if h.Purge != nil {
		h.Purge(c.Request().Context())
	}
}

// ListPrizes handles GET /v1/admin/prizes, inactive prizes included.
func (h *AdminHandler) ListPrizes(c echo.Context) error {
	prizes, err := h.Pool.Prizes(c.Request().Context(), false)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"prizes": prizes})
}

// GetPrize handles GET /v1/admin/prizes/:id.
func (h *AdminHandler) GetPrize(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	p, err := h.Pool.Prize(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// CreatePrize handles POST /v1/admin/prizes.  The number range 1..N is
// allocated with the prize.
func (h *AdminHandler) CreatePrize(c echo.Context) error {
	var req prizeReq
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	p, err := h.Pool.CreatePrize(c.Request().Context(), req.input())
	if err != nil {
		return fail(c, err)
	}
	h.purge(c)
	return c.JSON(http.StatusCreated, p)
}

// UpdatePrize handles PUT /v1/admin/prizes/:id.
func (h *AdminHandler) UpdatePrize(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	var req prizeReq
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	p, err := h.Pool.UpdatePrize(c.Request().Context(), id, req.input())
	if err != nil {
		return fail(c, err)
	}
	h.purge(c)
	return c.JSON(http.StatusOK, p)
}

// DeletePrize handles DELETE /v1/admin/prizes/:id.
func (h *AdminHandler) DeletePrize(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	if err := h.Pool.DeletePrize(c.Request().Context(), id); err != nil {
		return fail(c, err)
	}
	h.purge(c)
	return c.NoContent(http.StatusNoContent)
}

// PrizeNumbers handles GET /v1/admin/prizes/:id/numbers with holders and
// purchase links.
func (h *AdminHandler) PrizeNumbers(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	ctx := c.Request().Context()
	rows, err := h.Pool.Query(ctx, id, model.TicketState(c.QueryParam("state")))
	if err != nil {
		return fail(c, err)
	}
	counts, err := h.Pool.Counts(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"prize_id": id, "counts": counts, "numbers": rows})
}

// Purchases handles GET /v1/admin/purchases?limit=50.
func (h *AdminHandler) Purchases(c echo.Context) error {
	list, err := h.Ledger.ListRecent(c.Request().Context(), queryInt(c, "limit", 50))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"purchases": list})
}

// Purchase handles GET /v1/admin/purchases/:ref.
func (h *AdminHandler) Purchase(c echo.Context) error {
	pu, err := h.Ledger.Purchase(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, pu)
}

// Stats handles GET /v1/admin/stats.
func (h *AdminHandler) Stats(c echo.Context) error {
	s, err := h.Pool.Stats(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// WebhookLogs handles GET /v1/admin/webhooks?limit=50.
func (h *AdminHandler) WebhookLogs(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	logs, err := h.Webhooks.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"webhooks": logs})
}

// ReplayWebhooks handles POST /v1/admin/webhooks/replay.  It reprocesses
// every pending payment notification regardless of age.
func (h *AdminHandler) ReplayWebhooks(c echo.Context) error {
	results, err := h.Rec.ReplayPending(c.Request().Context(), 0)
	if err != nil {
		return fail(c, err)
	}
	processed := 0
	for _, r := range results {
		if r.Processed {
			processed++
		}
	}
	if processed > 0 {
		h.purge(c)
	}
	return c.JSON(http.StatusOK, echo.Map{"attempted": len(results), "processed": processed, "results": results})
}

// Eligibility handles GET /v1/admin/prizes/:id/eligibility.
func (h *AdminHandler) Eligibility(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	e, err := h.Draws.Eligibility(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

type drawReq struct {
	Winners int    `json:"winners" validate:"gte=0"`
	Method  string `json:"method"`
}

// RunDraw handles POST /v1/admin/prizes/:id/draws.  winners defaults to 1.
func (h *AdminHandler) RunDraw(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	var req drawReq
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	if req.Winners == 0 {
		req.Winners = 1
	}
	d, err := h.Draws.Run(c.Request().Context(), id, req.Winners, model.DrawMethod(req.Method))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

// DrawHistory handles GET /v1/admin/prizes/:id/draws.
func (h *AdminHandler) DrawHistory(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	ctx := c.Request().Context()
	if _, err := h.Pool.Prize(ctx, id); err != nil {
		return fail(c, err)
	}
	history, err := h.Draws.History(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"draws": history})
}
