package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/raffle-ticketing/internal/raffle"
)

// CheckoutHandler starts hosted payments and answers buyers coming back
// from the provider.
type CheckoutHandler struct {
	Checkout *raffle.Checkout
	Rec      *raffle.Reconciler
}

// NewCheckoutHandler panics on nil dependencies.
func NewCheckoutHandler(co *raffle.Checkout, rec *raffle.Reconciler) *CheckoutHandler {
	if co == nil || rec == nil {
		panic("nil dependency passed to NewCheckoutHandler")
	}
	return &CheckoutHandler{Checkout: co, Rec: rec}
}

type checkoutReq struct {
	PrizeID  uint64 `json:"prize_id" validate:"required"`
	Email    string `json:"email" validate:"required"`
	Name     string `json:"name" validate:"max=120"`
	Phone    string `json:"phone" validate:"max=40"`
	Quantity int    `json:"quantity" validate:"gte=0"`
	Numbers  []int  `json:"numbers"`
}

// Start handles POST /api/checkout.  Either numbers or a quantity must be
// given; with only a quantity the lowest available numbers are taken.
func (h *CheckoutHandler) Start(c echo.Context) error {
	var req checkoutReq
	if err := bind(c, &req); err != nil {
		return fail(c, err)
	}
	res, err := h.Checkout.Start(c.Request().Context(), raffle.OpenRequest{
		PrizeID:  req.PrizeID,
		Email:    req.Email,
		Name:     strings.TrimSpace(req.Name),
		Phone:    strings.TrimSpace(req.Phone),
		Quantity: req.Quantity,
		Numbers:  req.Numbers,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Verify handles GET /api/payments/:ref/verify.  ref is a payment id, an
// order reference or a purchase id.
func (h *CheckoutHandler) Verify(c echo.Context) error {
	ref := strings.TrimSpace(c.Param("ref"))
	if ref == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "ref required"})
	}
	v, err := h.Rec.Verify(c.Request().Context(), ref)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// Return builds the handler for one of the provider's back URLs
// (/success, /pending, /error).  The provider appends payment_id (or
// collection_id) and external_reference; the payment is checked against
// the provider before answering, whether or not its notification has
// arrived.  outcome is the page the provider chose and is echoed back.
func (h *CheckoutHandler) Return(outcome string) echo.HandlerFunc {
	return func(c echo.Context) error {
		paymentID := firstNonEmpty(c.QueryParam("payment_id"), c.QueryParam("collection_id"))
		orderRef := firstNonEmpty(c.QueryParam("external_reference"))
		if paymentID == "null" {
			paymentID = ""
		}
		if paymentID == "" && (orderRef == "" || orderRef == "null") {
			return c.JSON(http.StatusOK, echo.Map{"outcome": outcome})
		}
		v, err := h.Rec.VerifyReturn(c.Request().Context(), paymentID, orderRef)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, echo.Map{"outcome": outcome, "purchase": v.Purchase, "source": v.Source})
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
