package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/raffle"
)

// PublicHandler serves the unauthenticated catalogue: active prizes and
// the state of their numbers.
type PublicHandler struct {
	Pool *raffle.Pool
}

// NewPublicHandler panics on a nil pool.
func NewPublicHandler(pool *raffle.Pool) *PublicHandler {
	if pool == nil {
		panic("nil pool passed to NewPublicHandler")
	}
	return &PublicHandler{Pool: pool}
}

// ListPrizes handles GET /api/prizes.  Only active prizes are listed.
func (h *PublicHandler) ListPrizes(c echo.Context) error {
	prizes, err := h.Pool.Prizes(c.Request().Context(), true)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"prizes": prizes})
}

// Numbers handles GET /api/prizes/:id/numbers?state=available.  Buyer
// emails are not exposed publicly.
func (h *PublicHandler) Numbers(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	rows, err := h.Pool.Query(c.Request().Context(), id, model.TicketState(c.QueryParam("state")))
	if err != nil {
		return fail(c, err)
	}
	type number struct {
		Number int               `json:"number"`
		State  model.TicketState `json:"state"`
	}
	out := make([]number, len(rows))
	for i, t := range rows {
		out[i] = number{Number: t.Number, State: t.State}
	}
	return c.JSON(http.StatusOK, echo.Map{"prize_id": id, "numbers": out})
}

// Counts handles GET /api/prizes/:id/counts.
func (h *PublicHandler) Counts(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return fail(c, err)
	}
	counts, err := h.Pool.Counts(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}
