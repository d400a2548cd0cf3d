// Package queue defines message payloads exchanged over the message broker.
package queue

// PurchaseApprovedQueue is the durable queue carrying PurchaseApprovedEvent.
const PurchaseApprovedQueue = "purchase.approved"

// PurchaseApprovedEvent is published after a reconciliation commits an
// approved purchase.  It contains enough information for downstream
// consumers to log or notify the buyer without querying the database.
type PurchaseApprovedEvent struct {
    PurchaseID uint64 `json:"purchase_id"`
    PrizeID    uint64 `json:"prize_id"`
    PrizeName  string `json:"prize_name"`
    Email      string `json:"email"`
    Numbers    []int  `json:"numbers"`
    Amount     string `json:"amount"`
    PaymentRef string `json:"payment_ref"`
    ApprovedAt string `json:"approved_at"`
}
