package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/raffle"
)

const maxWebhookBody = 64 << 10

// WebhookHandler receives provider notifications.
type WebhookHandler struct {
	Rec    *raffle.Reconciler
	Secret string // empty disables x-signature checks
	Log    logrus.FieldLogger
}

// NewWebhookHandler panics on a nil reconciler.
func NewWebhookHandler(rec *raffle.Reconciler, secret string, log logrus.FieldLogger) *WebhookHandler {
	if rec == nil {
		panic("nil reconciler passed to NewWebhookHandler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WebhookHandler{Rec: rec, Secret: secret, Log: log}
}

// Notify handles POST /api/webhook.  Both notification styles are
// accepted: a JSON body {"type":"payment","data":{"id":"123"}} and the
// query form ?topic=payment&id=123 (or type / data.id).  A 5xx answer asks
// the provider to redeliver; everything else, including notifications we
// cannot act on, is acknowledged with 200.
func (h *WebhookHandler) Notify(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	n := parseNotification(c, body)

	if h.Secret != "" {
		sig := c.Request().Header.Get("x-signature")
		dataID := firstNonEmpty(c.QueryParam("data.id"), n.Ref)
		if !payment.VerifySignature(h.Secret, sig, c.Request().Header.Get("x-request-id"), dataID) {
			log := h.Log.WithFields(logrus.Fields{"kind": n.Kind, "ref": n.Ref})
			if _, err := h.Rec.LogRejected(c.Request().Context(), n, "invalid signature for kind "+n.Kind); err != nil {
				log.WithError(err).Error("rejected webhook not logged")
			}
			log.Warn("webhook signature rejected")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
		}
	}

	res, err := h.Rec.HandleNotification(c.Request().Context(), n)
	if err != nil {
		h.Log.WithError(err).WithFields(logrus.Fields{"kind": n.Kind, "ref": n.Ref}).Warn("webhook will be redelivered")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "processing failed", "result": res})
	}
	return c.JSON(http.StatusOK, res)
}

// parseNotification reads kind and reference from the body, falling back
// to the query string.  Unknown shapes produce an empty reference, which
// is logged but not processed.
func parseNotification(c echo.Context, body []byte) raffle.Notification {
	var kind, ref string
	if gjson.ValidBytes(body) {
		doc := gjson.ParseBytes(body)
		kind = firstNonEmpty(doc.Get("type").String(), doc.Get("topic").String())
		ref = doc.Get("data.id").String()
		if ref == "" && kind == raffle.KindPayment {
			// legacy feeds send the resource URL
			if r := doc.Get("resource").String(); r != "" {
				ref = r[strings.LastIndex(r, "/")+1:]
			}
		}
	}
	if kind == "" {
		kind = firstNonEmpty(c.QueryParam("type"), c.QueryParam("topic"))
	}
	if ref == "" {
		ref = firstNonEmpty(c.QueryParam("data.id"), c.QueryParam("id"))
	}
	if kind == "" {
		kind = "unknown"
	}
	return raffle.Notification{Kind: kind, Ref: ref, Payload: string(body)}
}
