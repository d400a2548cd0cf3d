package model

import "github.com/shopspring/decimal"

// Stats is the admin dashboard summary.
type Stats struct {
    ActivePrizes    int             `json:"active_prizes"`
    ActiveStock     int             `json:"active_stock"`
    ActiveSold      int             `json:"active_sold"`
    Purchases       int             `json:"purchases"`
    GrossAmount     decimal.Decimal `json:"gross_amount"`
    ApprovedAmount  decimal.Decimal `json:"approved_amount"`
    Numbers         TicketCounts    `json:"numbers"`
    LatestPurchases []Purchase      `json:"latest_purchases"`
}
