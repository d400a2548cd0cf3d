package repository

import (
    "context"
    "database/sql"
    "time"

    "github.com/iliyamo/raffle-ticketing/internal/model"
)

// maxErrorLen matches the webhook_logs.error column.
const maxErrorLen = 512

// WebhookLogRepo appends inbound notifications and flips their processed
// flag.  Rows are never deleted.
type WebhookLogRepo struct {
    db *sql.DB
}

// NewWebhookLogRepo returns a new WebhookLogRepo bound to the provided database.
func NewWebhookLogRepo(db *sql.DB) *WebhookLogRepo { return &WebhookLogRepo{db: db} }

const webhookColumns = `id, kind, external_ref, payload, processed, attempts, error, created_at, processed_at`

func scanWebhook(s rowScanner) (model.WebhookLog, error) {
    var (
        w         model.WebhookLog
        processed sql.NullTime
    )
    if err := s.Scan(&w.ID, &w.Kind, &w.ExternalRef, &w.Payload, &w.Processed, &w.Attempts, &w.Error,
        &w.CreatedAt, &processed); err != nil {
        return w, err
    }
    w.CreatedAt = w.CreatedAt.UTC()
    w.ProcessedAt = timePtr(processed)
    return w, nil
}

// Append stores a notification before any processing and returns its id.
func (r *WebhookLogRepo) Append(ctx context.Context, kind, ref, payload string, now time.Time) (uint64, error) {
    res, err := r.db.ExecContext(ctx,
        `INSERT INTO webhook_logs (kind, external_ref, payload, processed, attempts, error, created_at)
         VALUES (?, ?, ?, 0, 0, '', ?)`,
        kind, ref, payload, DBTime(now))
    if err != nil {
        return 0, err
    }
    id, err := res.LastInsertId()
    if err != nil {
        return 0, err
    }
    return uint64(id), nil
}

// MarkProcessed flips the processed flag and clears the last error.
func (r *WebhookLogRepo) MarkProcessed(ctx context.Context, id uint64, now time.Time) error {
    _, err := r.db.ExecContext(ctx,
        `UPDATE webhook_logs SET processed = 1, attempts = attempts + 1, error = '', processed_at = ? WHERE id = ?`,
        DBTime(now), id)
    return err
}

// MarkFailed records a failed attempt; the row stays unprocessed.
func (r *WebhookLogRepo) MarkFailed(ctx context.Context, id uint64, cause error) error {
    msg := ""
    if cause != nil {
        msg = cause.Error()
    }
    if len(msg) > maxErrorLen {
        msg = msg[:maxErrorLen]
    }
    _, err := r.db.ExecContext(ctx,
        `UPDATE webhook_logs SET attempts = attempts + 1, error = ? WHERE id = ?`, msg, id)
    return err
}

// ListPending returns unprocessed notifications of a kind received at or
// before cutoff, oldest first.
func (r *WebhookLogRepo) ListPending(ctx context.Context, kind string, cutoff time.Time, limit int) ([]model.WebhookLog, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT `+webhookColumns+` FROM webhook_logs
         WHERE processed = 0 AND kind = ? AND created_at <= ?
         ORDER BY id LIMIT ?`, kind, DBTime(cutoff), limit)
    if err != nil {
        return nil, err
    }
    return collectWebhooks(rows)
}

// ListRecent returns the newest notifications first.
func (r *WebhookLogRepo) ListRecent(ctx context.Context, limit int) ([]model.WebhookLog, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT `+webhookColumns+` FROM webhook_logs ORDER BY id DESC LIMIT ?`, limit)
    if err != nil {
        return nil, err
    }
    return collectWebhooks(rows)
}

func collectWebhooks(rows *sql.Rows) ([]model.WebhookLog, error) {
    defer rows.Close()
    out := []model.WebhookLog{}
    for rows.Next() {
        w, err := scanWebhook(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, w)
    }
    return out, rows.Err()
}
