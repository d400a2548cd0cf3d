// Package payment is the adapter to the hosted checkout provider.  The
// core only sees the Gateway interface; MercadoPago implements it over the
// provider's REST API.
package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/raffle-ticketing/internal/model"
)

// ErrGateway wraps every failure talking to the provider.  Local state is
// never changed by a failed call, so callers may retry.
var ErrGateway = errors.New("payment gateway error")

// Gateway creates hosted checkouts and reads payment status.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	FetchPayment(ctx context.Context, ref string) (*Payment, error)
}

// Item is one checkout line.
type Item struct {
	ID          string
	Title       string
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
	Currency    string
}

// Payer identifies the buyer to the provider.
type Payer struct {
	Email string
	Name  string
	Phone string
}

// RedirectURLs are where the provider sends the buyer afterwards.
type RedirectURLs struct {
	Success string
	Failure string
	Pending string
}

// Metadata round-trips through the provider so a purchase can be rebuilt
// from a notification alone.
type Metadata struct {
	PrizeID  uint64 `json:"prize_id"`
	Quantity int    `json:"quantity"`
	Email    string `json:"email"`
	Numbers  []int  `json:"numbers"`
	OrderRef string `json:"order_ref"`
}

// CheckoutRequest describes a hosted checkout session.
type CheckoutRequest struct {
	Items               []Item
	Payer               Payer
	Redirects           RedirectURLs
	NotificationURL     string
	ExternalReference   string
	StatementDescriptor string
	ExpiresAt           time.Time
	Metadata            Metadata
}

// CheckoutSession is the provider's answer to CreateCheckout.
type CheckoutSession struct {
	ExternalRef string
	RedirectURL string
}

// Payment is the provider's current view of one payment.
type Payment struct {
	ID                string
	Status            model.PurchaseStatus
	ProviderStatus    string
	StatusDetail      string
	Amount            decimal.Decimal
	ExternalReference string
	PayerEmail        string
	Metadata          *Metadata
	RawPayload        string
}

// MapStatus folds a provider status onto the purchase states.  Anything
// unrecognised stays pending and is never treated as approved.
func MapStatus(providerStatus string) model.PurchaseStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "approved":
		return model.PurchaseApproved
	case "rejected":
		return model.PurchaseRejected
	case "cancelled", "canceled":
		return model.PurchaseCancelled
	default:
		return model.PurchasePending
	}
}
