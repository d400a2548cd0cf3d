package repository

import (
    "context"
    "database/sql"
    "time"

    "github.com/iliyamo/raffle-ticketing/internal/model"
)

// allocateChunk bounds the size of one bulk INSERT.
const allocateChunk = 500

// TicketRepo provides access to the ticket_numbers table.  Each mutating
// method checks the source state inside the UPDATE predicate and returns
// the number of rows it moved; callers compare that with the request size
// and roll back on a shortfall.
type TicketRepo struct {
    db *sql.DB
}

// NewTicketRepo returns a new TicketRepo bound to the provided database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

const ticketColumns = `prize_id, number, state, holder_email, reserved_at, expires_at, sold_at, purchase_id`

func scanTicket(s rowScanner) (model.TicketNumber, error) {
    var (
        t                     model.TicketNumber
        state                 string
        email                 sql.NullString
        reserved, exp, soldAt sql.NullTime
        purchase              sql.NullInt64
    )
    if err := s.Scan(&t.PrizeID, &t.Number, &state, &email, &reserved, &exp, &soldAt, &purchase); err != nil {
        return t, err
    }
    t.State = model.TicketState(state)
    t.HolderEmail = stringPtr(email)
    t.ReservedAt = timePtr(reserved)
    t.ExpiresAt = timePtr(exp)
    t.SoldAt = timePtr(soldAt)
    t.PurchaseID = uint64Ptr(purchase)
    return t, nil
}

func collectTickets(rows *sql.Rows) ([]model.TicketNumber, error) {
    defer rows.Close()
    out := []model.TicketNumber{}
    for rows.Next() {
        t, err := scanTicket(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, t)
    }
    return out, rows.Err()
}

func exec(ctx context.Context, tx *sql.Tx, q string, args ...interface{}) (int64, error) {
    res, err := tx.ExecContext(ctx, q, args...)
    if err != nil {
        return 0, err
    }
    return res.RowsAffected()
}

// AllocateTx inserts numbers 1..total as available.  It returns
// ErrConflict when the prize already has numbers.
func (r *TicketRepo) AllocateTx(ctx context.Context, tx *sql.Tx, prizeID uint64, total int) error {
    var existing int
    if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticket_numbers WHERE prize_id = ?`, prizeID).Scan(&existing); err != nil {
        return err
    }
    if existing > 0 {
        return ErrConflict
    }
    for start := 1; start <= total; start += allocateChunk {
        end := start + allocateChunk - 1
        if end > total {
            end = total
        }
        query := `INSERT INTO ticket_numbers (prize_id, number, state) VALUES `
        args := make([]interface{}, 0, (end-start+1)*2)
        for n := start; n <= end; n++ {
            if n > start {
                query += ","
            }
            query += "(?, ?, 'available')"
            args = append(args, prizeID, n)
        }
        if _, err := tx.ExecContext(ctx, query, args...); err != nil {
            return err
        }
    }
    return nil
}

// List returns a prize's numbers ordered by number, optionally filtered by
// state.
func (r *TicketRepo) List(ctx context.Context, prizeID uint64, state model.TicketState) ([]model.TicketNumber, error) {
    q := `SELECT ` + ticketColumns + ` FROM ticket_numbers WHERE prize_id = ?`
    args := []interface{}{prizeID}
    if state != "" {
        q += ` AND state = ?`
        args = append(args, string(state))
    }
    q += ` ORDER BY number`
    rows, err := r.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    return collectTickets(rows)
}

// ByNumbersTx returns the current rows for the given numbers.
func (r *TicketRepo) ByNumbersTx(ctx context.Context, tx *sql.Tx, prizeID uint64, numbers []int) ([]model.TicketNumber, error) {
    if len(numbers) == 0 {
        return []model.TicketNumber{}, nil
    }
    args := append([]interface{}{prizeID}, intArgs(numbers)...)
    rows, err := tx.QueryContext(ctx,
        `SELECT `+ticketColumns+` FROM ticket_numbers WHERE prize_id = ? AND number IN (`+placeholders(len(numbers))+`) ORDER BY number`,
        args...)
    if err != nil {
        return nil, err
    }
    return collectTickets(rows)
}

const countsQuery = `SELECT
    COALESCE(SUM(CASE WHEN state = 'available' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN state IN ('reserved', 'reserved_for_payment') THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN state = 'sold' THEN 1 ELSE 0 END), 0),
    COUNT(*)
  FROM ticket_numbers`

// Counts aggregates the live ticket rows of one prize.
func (r *TicketRepo) Counts(ctx context.Context, prizeID uint64) (model.TicketCounts, error) {
    var c model.TicketCounts
    err := r.db.QueryRowContext(ctx, countsQuery+` WHERE prize_id = ?`, prizeID).
        Scan(&c.Available, &c.Reserved, &c.Sold, &c.Total)
    return c, err
}

// CountsTx is Counts inside the caller's transaction.
func (r *TicketRepo) CountsTx(ctx context.Context, tx *sql.Tx, prizeID uint64) (model.TicketCounts, error) {
    var c model.TicketCounts
    err := tx.QueryRowContext(ctx, countsQuery+` WHERE prize_id = ?`, prizeID).
        Scan(&c.Available, &c.Reserved, &c.Sold, &c.Total)
    return c, err
}

// CountsAll aggregates ticket rows across every prize.
func (r *TicketRepo) CountsAll(ctx context.Context) (model.TicketCounts, error) {
    var c model.TicketCounts
    err := r.db.QueryRowContext(ctx, countsQuery).Scan(&c.Available, &c.Reserved, &c.Sold, &c.Total)
    return c, err
}

// ExpireStaleTx returns reserved numbers whose deadline is at or before
// now to the pool.  prizeID 0 sweeps every prize.
func (r *TicketRepo) ExpireStaleTx(ctx context.Context, tx *sql.Tx, prizeID uint64, now time.Time) (int64, error) {
    q := `UPDATE ticket_numbers
          SET state = 'available', holder_email = NULL, reserved_at = NULL, expires_at = NULL
          WHERE state = 'reserved' AND expires_at <= ?`
    args := []interface{}{DBTime(now)}
    if prizeID != 0 {
        q += ` AND prize_id = ?`
        args = append(args, prizeID)
    }
    return exec(ctx, tx, q, args...)
}

// ReserveTx moves available numbers to reserved with a deadline.
func (r *TicketRepo) ReserveTx(ctx context.Context, tx *sql.Tx, prizeID uint64, numbers []int, email string, now, expiresAt time.Time) (int64, error) {
    args := []interface{}{email, DBTime(now), DBTime(expiresAt), prizeID}
    args = append(args, intArgs(numbers)...)
    return exec(ctx, tx,
        `UPDATE ticket_numbers
         SET state = 'reserved', holder_email = ?, reserved_at = ?, expires_at = ?
         WHERE prize_id = ? AND state = 'available' AND number IN (`+placeholders(len(numbers))+`)`,
        args...)
}

// ReserveForPaymentTx moves numbers to reserved_for_payment.  Sources are
// available rows and rows reserved by the same email.
func (r *TicketRepo) ReserveForPaymentTx(ctx context.Context, tx *sql.Tx, prizeID uint64, numbers []int, email string, now time.Time) (int64, error) {
    args := []interface{}{email, DBTime(now), prizeID, email}
    args = append(args, intArgs(numbers)...)
    return exec(ctx, tx,
        `UPDATE ticket_numbers
         SET state = 'reserved_for_payment', holder_email = ?, reserved_at = ?, expires_at = NULL
         WHERE prize_id = ?
           AND (state = 'available' OR (state = 'reserved' AND holder_email = ?))
           AND number IN (`+placeholders(len(numbers))+`)`,
        args...)
}

// ExpireTx returns reserved numbers to the pool.  A non-empty holder
// restricts the update to that holder's reservations.
func (r *TicketRepo) ExpireTx(ctx context.Context, tx *sql.Tx, prizeID uint64, numbers []int, holder string) (int64, error) {
    q := `UPDATE ticket_numbers
          SET state = 'available', holder_email = NULL, reserved_at = NULL, expires_at = NULL
          WHERE prize_id = ? AND state = 'reserved' AND number IN (` + placeholders(len(numbers)) + `)`
    args := append([]interface{}{prizeID}, intArgs(numbers)...)
    if holder != "" {
        q += ` AND holder_email = ?`
        args = append(args, holder)
    }
    return exec(ctx, tx, q, args...)
}

// SellTx marks numbers sold to a purchase.  Sources are available rows and
// rows held (reserved or reserved for payment) by the same email.
func (r *TicketRepo) SellTx(ctx context.Context, tx *sql.Tx, prizeID uint64, numbers []int, purchaseID uint64, email string, now time.Time) (int64, error) {
    args := []interface{}{purchaseID, email, DBTime(now), prizeID, email}
    args = append(args, intArgs(numbers)...)
    return exec(ctx, tx,
        `UPDATE ticket_numbers
         SET state = 'sold', purchase_id = ?, holder_email = ?, sold_at = ?, expires_at = NULL
         WHERE prize_id = ?
           AND (state = 'available' OR (state IN ('reserved', 'reserved_for_payment') AND holder_email = ?))
           AND number IN (`+placeholders(len(numbers))+`)`,
        args...)
}

// ReleaseTx returns numbers reserved for payment to the pool.  A non-empty
// holder restricts the update to that holder's rows.
func (r *TicketRepo) ReleaseTx(ctx context.Context, tx *sql.Tx, prizeID uint64, numbers []int, holder string) (int64, error) {
    q := `UPDATE ticket_numbers
          SET state = 'available', holder_email = NULL, reserved_at = NULL, expires_at = NULL
          WHERE prize_id = ? AND state = 'reserved_for_payment' AND number IN (` + placeholders(len(numbers)) + `)`
    args := append([]interface{}{prizeID}, intArgs(numbers)...)
    if holder != "" {
        q += ` AND holder_email = ?`
        args = append(args, holder)
    }
    return exec(ctx, tx, q, args...)
}

// FirstAvailableTx returns up to n available numbers in ascending order.
func (r *TicketRepo) FirstAvailableTx(ctx context.Context, tx *sql.Tx, prizeID uint64, n int) ([]int, error) {
    rows, err := tx.QueryContext(ctx,
        `SELECT number FROM ticket_numbers WHERE prize_id = ? AND state = 'available' ORDER BY number LIMIT ?`,
        prizeID, n)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := make([]int, 0, n)
    for rows.Next() {
        var num int
        if err := rows.Scan(&num); err != nil {
            return nil, err
        }
        out = append(out, num)
    }
    return out, rows.Err()
}

// Sold lists a prize's sold numbers, ordered by number.
func (r *TicketRepo) Sold(ctx context.Context, prizeID uint64) ([]model.TicketNumber, error) {
    return r.List(ctx, prizeID, model.TicketSold)
}
