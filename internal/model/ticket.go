package model

import "time"

// TicketState is the lifecycle state of a single ticket number.
type TicketState string

const (
    TicketAvailable          TicketState = "available"
    TicketReserved           TicketState = "reserved"
    TicketReservedForPayment TicketState = "reserved_for_payment"
    TicketSold               TicketState = "sold"
)

// Valid reports whether s is one of the known states.
func (s TicketState) Valid() bool {
    switch s {
    case TicketAvailable, TicketReserved, TicketReservedForPayment, TicketSold:
        return true
    }
    return false
}

// TicketNumber is one purchasable number within a prize's range, keyed by
// (PrizeID, Number).  PurchaseID is set only while the number is sold.
type TicketNumber struct {
    PrizeID     uint64      `json:"prize_id"`
    Number      int         `json:"number"`
    State       TicketState `json:"state"`
    HolderEmail *string     `json:"holder_email,omitempty"`
    ReservedAt  *time.Time  `json:"reserved_at,omitempty"`
    ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
    SoldAt      *time.Time  `json:"sold_at,omitempty"`
    PurchaseID  *uint64     `json:"purchase_id,omitempty"`
}

// TicketCounts is a live aggregate over a prize's ticket rows.  Reserved
// covers both reserved and reserved_for_payment.
type TicketCounts struct {
    Available int `json:"available"`
    Reserved  int `json:"reserved"`
    Sold      int `json:"sold"`
    Total     int `json:"total"`
}
