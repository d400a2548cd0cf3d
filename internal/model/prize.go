package model

import (
    "time"

    "github.com/shopspring/decimal"
)

// Prize is a raffle item together with its block of ticket numbers.
// Numbers 1..TotalNumbers are allocated when the prize is created and
// Stock + Sold always equals TotalNumbers.
//
// Fields:
//  ID           – primary key identifier.
//  Name         – display name, also used as the checkout item title.
//  Description  – free text shown in the storefront.
//  Price        – unit price of one ticket number.
//  TotalNumbers – size of the allocated number range.
//  Stock        – numbers not yet sold.
//  Sold         – numbers sold through an approved purchase.
//  Active       – inactive prizes accept no new purchases.
//  Icon         – storefront icon tag.
type Prize struct {
    ID           uint64          `json:"id"`            // prizes.id
    Name         string          `json:"name"`          // prizes.name
    Description  string          `json:"description"`   // prizes.description
    Price        decimal.Decimal `json:"price"`         // prizes.price
    TotalNumbers int             `json:"total_numbers"` // prizes.total_numbers
    Stock        int             `json:"stock"`         // prizes.stock
    Sold         int             `json:"sold"`          // prizes.sold
    Active       bool            `json:"active"`        // prizes.active
    Icon         string          `json:"icon"`          // prizes.icon
    CreatedAt    time.Time       `json:"created_at"`    // prizes.created_at
    UpdatedAt    time.Time       `json:"updated_at"`    // prizes.updated_at
}

// DefaultIcon is used when a prize is created without an icon.
const DefaultIcon = "fa-gift"
