package model

import "time"

// DrawMethod names a winner selection policy.
type DrawMethod string

const (
    DrawUniformRandom    DrawMethod = "uniform_random"
    DrawAscendingNumber  DrawMethod = "ascending_number"
    DrawEarliestPurchase DrawMethod = "earliest_purchase"
)

// Winner is one selected ticket.
type Winner struct {
    Position   int       `json:"position"`
    Number     int       `json:"number"`
    Email      string    `json:"email"`
    PurchaseID uint64    `json:"purchase_id"`
    SoldAt     time.Time `json:"sold_at"`
}

// Draw is the immutable audit record of a completed draw.
type Draw struct {
    ID           uint64     `json:"id"`
    PrizeID      uint64     `json:"prize_id"`
    Method       DrawMethod `json:"method"`
    WinnerCount  int        `json:"winner_count"`
    Participants int        `json:"participants"`
    Winners      []Winner   `json:"winners"`
    CreatedAt    time.Time  `json:"created_at"`
}
