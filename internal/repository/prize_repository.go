package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    "github.com/iliyamo/raffle-ticketing/internal/model"
)

// PrizeRepo provides access to the prizes table.  The stock and sold
// counters are only written by AdjustCountersTx.
type PrizeRepo struct {
    db *sql.DB
}

// NewPrizeRepo returns a new PrizeRepo bound to the provided database.
func NewPrizeRepo(db *sql.DB) *PrizeRepo { return &PrizeRepo{db: db} }

const prizeColumns = `id, name, description, price, total_numbers, stock, sold, active, icon, created_at, updated_at`

type rowScanner interface {
    Scan(dest ...interface{}) error
}

func scanPrize(s rowScanner) (*model.Prize, error) {
    var p model.Prize
    if err := s.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.TotalNumbers, &p.Stock,
        &p.Sold, &p.Active, &p.Icon, &p.CreatedAt, &p.UpdatedAt); err != nil {
        return nil, err
    }
    p.CreatedAt = p.CreatedAt.UTC()
    p.UpdatedAt = p.UpdatedAt.UTC()
    return &p, nil
}

// CreateTx inserts a prize with stock = total_numbers and sold = 0 and
// returns its id.  Number allocation must follow in the same transaction.
func (r *PrizeRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Prize, now time.Time) (uint64, error) {
    if p.Icon == "" {
        p.Icon = model.DefaultIcon
    }
    res, err := tx.ExecContext(ctx,
        `INSERT INTO prizes (name, description, price, total_numbers, stock, sold, active, icon, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
        p.Name, p.Description, p.Price.StringFixed(2), p.TotalNumbers, p.TotalNumbers, p.Active, p.Icon,
        DBTime(now), DBTime(now),
    )
    if err != nil {
        return 0, err
    }
    id, err := res.LastInsertId()
    if err != nil {
        return 0, err
    }
    return uint64(id), nil
}

// GetByID returns a prize or ErrNotFound.
func (r *PrizeRepo) GetByID(ctx context.Context, id uint64) (*model.Prize, error) {
    p, err := scanPrize(r.db.QueryRowContext(ctx, `SELECT `+prizeColumns+` FROM prizes WHERE id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    return p, err
}

// GetByIDTx is GetByID inside the caller's transaction.
func (r *PrizeRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Prize, error) {
    p, err := scanPrize(tx.QueryRowContext(ctx, `SELECT `+prizeColumns+` FROM prizes WHERE id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    return p, err
}

// List returns prizes newest first; activeOnly hides inactive prizes.
func (r *PrizeRepo) List(ctx context.Context, activeOnly bool) ([]model.Prize, error) {
    q := `SELECT ` + prizeColumns + ` FROM prizes`
    if activeOnly {
        q += ` WHERE active = 1`
    }
    q += ` ORDER BY created_at DESC, id DESC`
    rows, err := r.db.QueryContext(ctx, q)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Prize{}
    for rows.Next() {
        p, err := scanPrize(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, *p)
    }
    return out, rows.Err()
}

// UpdateMeta rewrites the descriptive fields of a prize.  The number range
// and counters are immutable here.
func (r *PrizeRepo) UpdateMeta(ctx context.Context, p *model.Prize, now time.Time) error {
    res, err := r.db.ExecContext(ctx,
        `UPDATE prizes SET name = ?, description = ?, price = ?, active = ?, icon = ?, updated_at = ? WHERE id = ?`,
        p.Name, p.Description, p.Price.StringFixed(2), p.Active, p.Icon, DBTime(now), p.ID,
    )
    if err != nil {
        return err
    }
    if n, _ := res.RowsAffected(); n == 0 {
        return ErrNotFound
    }
    return nil
}

// DeleteTx removes a prize and its numbers.  Prizes referenced by any
// purchase cannot be deleted and yield ErrConflict.
func (r *PrizeRepo) DeleteTx(ctx context.Context, tx *sql.Tx, id uint64) error {
    var refs int
    if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchases WHERE prize_id = ?`, id).Scan(&refs); err != nil {
        return err
    }
    if refs > 0 {
        return ErrConflict
    }
    if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_numbers WHERE prize_id = ?`, id); err != nil {
        return err
    }
    res, err := tx.ExecContext(ctx, `DELETE FROM prizes WHERE id = ?`, id)
    if err != nil {
        return err
    }
    if n, _ := res.RowsAffected(); n == 0 {
        return ErrNotFound
    }
    return nil
}

// AdjustCountersTx moves n numbers from stock to sold.  The stock >= n
// predicate keeps stock + sold constant; a miss returns ErrConflict.
func (r *PrizeRepo) AdjustCountersTx(ctx context.Context, tx *sql.Tx, id uint64, n int, now time.Time) error {
    if n <= 0 {
        return nil
    }
    res, err := tx.ExecContext(ctx,
        `UPDATE prizes SET sold = sold + ?, stock = stock - ?, updated_at = ? WHERE id = ? AND stock >= ?`,
        n, n, DBTime(now), id, n,
    )
    if err != nil {
        return err
    }
    if affected, _ := res.RowsAffected(); affected != 1 {
        return ErrConflict
    }
    return nil
}

// Totals fills the active prize counters of the dashboard summary.
func (r *PrizeRepo) Totals(ctx context.Context, stats *model.Stats) error {
    return r.db.QueryRowContext(ctx,
        `SELECT COUNT(*), COALESCE(SUM(stock), 0), COALESCE(SUM(sold), 0) FROM prizes WHERE active = 1`).
        Scan(&stats.ActivePrizes, &stats.ActiveStock, &stats.ActiveSold)
}
