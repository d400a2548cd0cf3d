package raffle

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/database"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/repository"
)

// CheckoutConfig carries the provider-facing settings of a checkout.
type CheckoutConfig struct {
	PublicBaseURL       string
	PublicKey           string
	Currency            string
	StatementDescriptor string
}

// Checkout opens a purchase and starts a hosted payment for it.
type Checkout struct {
	st     *Store
	ledger *Ledger
	gw     payment.Gateway
	cfg    CheckoutConfig
	settings
}

// NewCheckout builds a Checkout.
func NewCheckout(st *Store, ledger *Ledger, gw payment.Gateway, cfg CheckoutConfig, opts ...Option) *Checkout {
	if cfg.Currency == "" {
		cfg.Currency = "ARS"
	}
	return &Checkout{st: st, ledger: ledger, gw: gw, cfg: cfg, settings: newSettings(opts)}
}

// CheckoutResult is what the buyer needs to continue on the provider.
type CheckoutResult struct {
	PurchaseID  uint64          `json:"purchase_id"`
	OrderRef    string          `json:"order_ref"`
	CheckoutRef string          `json:"checkout_ref"`
	RedirectURL string          `json:"redirect_url"`
	Total       decimal.Decimal `json:"total"`
	Numbers     []int           `json:"numbers"`
	PublicKey   string          `json:"public_key,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Start opens the purchase, then asks the provider for a checkout session.
// When the provider call fails the purchase is cancelled, its numbers are
// returned to the pool and the gateway error is returned.
func (c *Checkout) Start(ctx context.Context, req OpenRequest) (*CheckoutResult, error) {
	pu, err := c.ledger.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	expiresAt := c.now().Add(c.checkoutTTL).Truncate(timeGranularity)
	log := c.log.WithFields(logrus.Fields{"purchase_id": pu.ID, "order_ref": pu.OrderRef})

	session, err := c.gw.CreateCheckout(ctx, c.request(pu, req, expiresAt))
	if err != nil {
		log.WithError(err).Error("checkout session failed")
		if cerr := c.abandon(ctx, pu, "checkout_failed"); cerr != nil {
			log.WithError(cerr).Error("checkout compensation failed")
		}
		return nil, err
	}
	if err := c.ledger.AttachExternalRef(ctx, pu.ID, session.ExternalRef); err != nil {
		return nil, err
	}
	log.WithField("checkout_ref", session.ExternalRef).Info("checkout started")
	return &CheckoutResult{
		PurchaseID:  pu.ID,
		OrderRef:    pu.OrderRef,
		CheckoutRef: session.ExternalRef,
		RedirectURL: session.RedirectURL,
		Total:       pu.Amount,
		Numbers:     pu.Numbers,
		PublicKey:   c.cfg.PublicKey,
		ExpiresAt:   expiresAt,
	}, nil
}

func (c *Checkout) request(pu *model.Purchase, req OpenRequest, expiresAt time.Time) payment.CheckoutRequest {
	base := c.cfg.PublicBaseURL
	return payment.CheckoutRequest{
		Items: []payment.Item{{
			ID:          strconv.FormatUint(pu.PrizeID, 10),
			Title:       "Rifa: " + pu.PrizeName,
			Description: fmt.Sprintf("%d numbers for %s", pu.Quantity, pu.PrizeName),
			Quantity:    pu.Quantity,
			UnitPrice:   pu.Amount.Div(decimal.NewFromInt(int64(pu.Quantity))).Round(2),
			Currency:    c.cfg.Currency,
		}},
		Payer: payment.Payer{Email: pu.Email, Name: req.Name, Phone: req.Phone},
		Redirects: payment.RedirectURLs{
			Success: base + "/success",
			Failure: base + "/error",
			Pending: base + "/pending",
		},
		NotificationURL:     base + "/api/webhook",
		ExternalReference:   pu.OrderRef,
		StatementDescriptor: c.cfg.StatementDescriptor,
		ExpiresAt:           expiresAt,
		Metadata: payment.Metadata{
			PrizeID:  pu.PrizeID,
			Quantity: pu.Quantity,
			Email:    pu.Email,
			Numbers:  pu.Numbers,
			OrderRef: pu.OrderRef,
		},
	}
}

// abandon cancels a pending purchase that never got a payment and
// releases its numbers.  A purchase that already left pending is left
// untouched.
func (c *Checkout) abandon(ctx context.Context, pu *model.Purchase, detail string) error {
	now := c.now()
	return database.WithTx(ctx, c.st.DB, func(tx *sql.Tx) error {
		ok, err := c.st.Purchases.UpdateOutcomeTx(ctx, tx, pu.ID, repository.Outcome{
			From: model.PurchasePending, To: model.PurchaseCancelled, Detail: detail,
		}, now)
		if err != nil || !ok {
			return err
		}
		_, err = c.ledger.res.releaseTx(ctx, tx, pu.PrizeID, pu.Numbers, pu.Email)
		return err
	})
}

// CancelAbandoned cancels pending purchases that never received a payment
// reference within the checkout TTL plus grace.  It returns how many were
// cancelled.
func (c *Checkout) CancelAbandoned(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-(c.checkoutTTL + c.checkoutGrace))
	stale, err := c.st.Purchases.ListAbandoned(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stale {
		pu := &stale[i]
		if err := c.abandon(ctx, pu, "expired"); err != nil {
			c.log.WithError(err).WithField("purchase_id", pu.ID).Warn("abandoned checkout not cancelled")
			continue
		}
		n++
	}
	if n > 0 {
		c.log.WithField("count", n).Info("abandoned checkouts cancelled")
	}
	return n, nil
}
