package model

import (
    "time"

    "github.com/shopspring/decimal"
)

// PurchaseStatus follows pending -> approved | rejected | cancelled.  The
// three terminal states are absorbing.
type PurchaseStatus string

const (
    PurchasePending   PurchaseStatus = "pending"
    PurchaseApproved  PurchaseStatus = "approved"
    PurchaseRejected  PurchaseStatus = "rejected"
    PurchaseCancelled PurchaseStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s PurchaseStatus) Terminal() bool {
    return s == PurchaseApproved || s == PurchaseRejected || s == PurchaseCancelled
}

// Purchase records one checkout attempt.  Amount is frozen when the
// purchase is opened; Numbers is the snapshot of the numbers the buyer
// holds for this purchase and may be empty for recovered purchases.
//
// Three references resolve to the same row: OrderRef is generated locally
// and sent to the provider as its external reference, CheckoutRef is the
// provider's checkout session id and PaymentRef the provider's payment id
// learned at reconciliation time.
type Purchase struct {
    ID           uint64          `json:"id"`
    PrizeID      uint64          `json:"prize_id"`
    PrizeName    string          `json:"prize_name,omitempty"`
    Email        string          `json:"email"`
    BuyerName    string          `json:"buyer_name,omitempty"`
    BuyerPhone   string          `json:"buyer_phone,omitempty"`
    Quantity     int             `json:"quantity"`
    Amount       decimal.Decimal `json:"amount"`
    OrderRef     string          `json:"order_ref"`
    CheckoutRef  *string         `json:"checkout_ref,omitempty"`
    PaymentRef   *string         `json:"payment_ref,omitempty"`
    Status       PurchaseStatus  `json:"status"`
    StatusDetail string          `json:"status_detail"`
    Payload      *string         `json:"-"`
    Numbers      []int           `json:"numbers"`
    CreatedAt    time.Time       `json:"created_at"`
    UpdatedAt    time.Time       `json:"updated_at"`
}
