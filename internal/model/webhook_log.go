package model

import "time"

// WebhookLog is the append-only record of an inbound provider
// notification.  Only Processed, Attempts, Error and ProcessedAt change
// after insert.
type WebhookLog struct {
    ID          uint64     `json:"id"`
    Kind        string     `json:"kind"`
    ExternalRef string     `json:"external_ref"`
    Payload     string     `json:"payload"`
    Processed   bool       `json:"processed"`
    Attempts    int        `json:"attempts"`
    Error       string     `json:"error,omitempty"`
    CreatedAt   time.Time  `json:"created_at"`
    ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
