package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-ticketing/internal/raffle"
)

// ReservationHandler exposes time-boxed holds to anonymous buyers, who
// are identified by the email they reserve for.
type ReservationHandler struct {
	Res *raffle.Reservations
}

// NewReservationHandler panics on a nil manager.
func NewReservationHandler(res *raffle.Reservations) *ReservationHandler {
	if res == nil {
		panic("nil reservations passed to NewReservationHandler")
	}
	return &ReservationHandler{Res: res}
}

type reserveReq struct {
	PrizeID    uint64 `json:"prize_id" validate:"required"`
	Numbers    []int  `json:"numbers" validate:"required,min=1"`
	Email      string `json:"email" validate:"required"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0,lte=3600"`
}

// Reserve handles POST /api/reservations.  All numbers are held or none;
// a conflict answers 409 with the numbers that were taken.
func (h *ReservationHandler) Reserve(c echo.Context) error {
	var req reserveReq
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	r, err := h.Res.Reserve(c.Request().Context(), req.PrizeID, req.Numbers, req.Email, ttl)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, r)
}

type cancelReq struct {
	PrizeID uint64 `json:"prize_id" validate:"required"`
	Numbers []int  `json:"numbers" validate:"required,min=1"`
	Email   string `json:"email" validate:"required"`
}

// Cancel handles DELETE /api/reservations.  Only holds placed by the same
// email are returned to the pool.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	var req cancelReq
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	n, err := h.Res.Cancel(c.Request().Context(), req.PrizeID, req.Numbers, req.Email)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}
