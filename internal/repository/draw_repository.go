package repository

import (
    "context"
    "database/sql"
    "encoding/json"
    "time"

    "github.com/iliyamo/raffle-ticketing/internal/model"
)

// DrawRepo stores draw results.  Rows are insert-only.
type DrawRepo struct {
    db *sql.DB
}

// NewDrawRepo returns a new DrawRepo bound to the provided database.
func NewDrawRepo(db *sql.DB) *DrawRepo { return &DrawRepo{db: db} }

// Create persists d and sets its ID.
func (r *DrawRepo) Create(ctx context.Context, d *model.Draw, now time.Time) error {
    winners, err := json.Marshal(d.Winners)
    if err != nil {
        return err
    }
    res, err := r.db.ExecContext(ctx,
        `INSERT INTO draws (prize_id, method, winner_count, participants, winners, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
        d.PrizeID, string(d.Method), d.WinnerCount, d.Participants, string(winners), DBTime(now))
    if err != nil {
        return err
    }
    id, err := res.LastInsertId()
    if err != nil {
        return err
    }
    d.ID = uint64(id)
    d.CreatedAt = now.UTC().Truncate(time.Second)
    return nil
}

// ListByPrize returns a prize's draws, newest first.
func (r *DrawRepo) ListByPrize(ctx context.Context, prizeID uint64) ([]model.Draw, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT id, prize_id, method, winner_count, participants, winners, created_at
         FROM draws WHERE prize_id = ? ORDER BY id DESC`, prizeID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Draw{}
    for rows.Next() {
        var (
            d       model.Draw
            method  string
            winners string
        )
        if err := rows.Scan(&d.ID, &d.PrizeID, &method, &d.WinnerCount, &d.Participants, &winners, &d.CreatedAt); err != nil {
            return nil, err
        }
        d.Method = model.DrawMethod(method)
        d.CreatedAt = d.CreatedAt.UTC()
        if err := json.Unmarshal([]byte(winners), &d.Winners); err != nil {
            return nil, err
        }
        out = append(out, d)
    }
    return out, rows.Err()
}
