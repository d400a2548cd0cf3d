package repository

import (
    "context"
    "database/sql"
    "errors"
    "time"

    "github.com/iliyamo/raffle-ticketing/internal/model"
)

// PurchaseRepo provides access to the purchases table.  Status changes go
// through UpdateOutcomeTx, which only applies when the row is still in the
// expected status.
type PurchaseRepo struct {
    db *sql.DB
}

// NewPurchaseRepo returns a new PurchaseRepo bound to the provided database.
func NewPurchaseRepo(db *sql.DB) *PurchaseRepo { return &PurchaseRepo{db: db} }

const purchaseColumns = `c.id, c.prize_id, COALESCE(p.name, ''), c.email, c.buyer_name, c.buyer_phone, c.quantity, c.amount,
    c.order_ref, c.checkout_ref, c.payment_ref, c.status, c.status_detail, c.payload, c.numbers, c.created_at, c.updated_at`

const purchaseFrom = ` FROM purchases c LEFT JOIN prizes p ON p.id = c.prize_id`

func scanPurchase(s rowScanner) (*model.Purchase, error) {
    var (
        pu                     model.Purchase
        checkout, pay, payload sql.NullString
        status, numbers        string
    )
    if err := s.Scan(&pu.ID, &pu.PrizeID, &pu.PrizeName, &pu.Email, &pu.BuyerName, &pu.BuyerPhone, &pu.Quantity,
        &pu.Amount, &pu.OrderRef, &checkout, &pay, &status, &pu.StatusDetail, &payload, &numbers,
        &pu.CreatedAt, &pu.UpdatedAt); err != nil {
        return nil, err
    }
    pu.CheckoutRef = stringPtr(checkout)
    pu.PaymentRef = stringPtr(pay)
    pu.Payload = stringPtr(payload)
    pu.Status = model.PurchaseStatus(status)
    pu.Numbers = decodeNumbers(numbers)
    pu.CreatedAt = pu.CreatedAt.UTC()
    pu.UpdatedAt = pu.UpdatedAt.UTC()
    return &pu, nil
}

func collectPurchases(rows *sql.Rows) ([]model.Purchase, error) {
    defer rows.Close()
    out := []model.Purchase{}
    for rows.Next() {
        pu, err := scanPurchase(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, *pu)
    }
    return out, rows.Err()
}

// CreateTx inserts a purchase and returns its id.  PaymentRef and
// CheckoutRef may be nil.
func (r *PurchaseRepo) CreateTx(ctx context.Context, tx *sql.Tx, pu *model.Purchase, now time.Time) (uint64, error) {
    var checkout, pay, payload interface{}
    if pu.CheckoutRef != nil {
        checkout = *pu.CheckoutRef
    }
    if pu.PaymentRef != nil {
        pay = *pu.PaymentRef
    }
    if pu.Payload != nil {
        payload = *pu.Payload
    }
    status := pu.Status
    if status == "" {
        status = model.PurchasePending
    }
    res, err := tx.ExecContext(ctx,
        `INSERT INTO purchases (prize_id, email, buyer_name, buyer_phone, quantity, amount, order_ref, checkout_ref,
            payment_ref, status, status_detail, payload, numbers, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
        pu.PrizeID, pu.Email, pu.BuyerName, pu.BuyerPhone, pu.Quantity, pu.Amount.StringFixed(2), pu.OrderRef,
        checkout, pay, string(status), pu.StatusDetail, payload, encodeNumbers(pu.Numbers), DBTime(now), DBTime(now),
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

// GetByID returns a purchase or ErrNotFound.
func (r *PurchaseRepo) GetByID(ctx context.Context, id uint64) (*model.Purchase, error) {
    pu, err := scanPurchase(r.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+purchaseFrom+` WHERE c.id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    return pu, err
}

// GetByIDTx is GetByID inside the caller's transaction.
func (r *PurchaseRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Purchase, error) {
    pu, err := scanPurchase(tx.QueryRowContext(ctx, `SELECT `+purchaseColumns+purchaseFrom+` WHERE c.id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    return pu, err
}

const byRefWhere = ` WHERE c.payment_ref = ? OR c.order_ref = ? OR c.checkout_ref = ?
    ORDER BY CASE WHEN c.payment_ref = ? THEN 0 WHEN c.order_ref = ? THEN 1 ELSE 2 END LIMIT 1`

// FindByRef resolves a payment, order or checkout reference to its
// purchase.  A payment reference match wins over the others.
func (r *PurchaseRepo) FindByRef(ctx context.Context, ref string) (*model.Purchase, error) {
    pu, err := scanPurchase(r.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+purchaseFrom+byRefWhere,
        ref, ref, ref, ref, ref))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    return pu, err
}

// FindByRefTx is FindByRef inside the caller's transaction.
func (r *PurchaseRepo) FindByRefTx(ctx context.Context, tx *sql.Tx, ref string) (*model.Purchase, error) {
    pu, err := scanPurchase(tx.QueryRowContext(ctx, `SELECT `+purchaseColumns+purchaseFrom+byRefWhere,
        ref, ref, ref, ref, ref))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrNotFound
    }
    return pu, err
}

// SetCheckoutRef records the provider's checkout session id.
func (r *PurchaseRepo) SetCheckoutRef(ctx context.Context, id uint64, ref string, now time.Time) error {
    res, err := r.db.ExecContext(ctx,
        `UPDATE purchases SET checkout_ref = ?, updated_at = ? WHERE id = ?`, ref, DBTime(now), id)
    if err != nil {
        return err
    }
    if n, _ := res.RowsAffected(); n == 0 {
        return ErrNotFound
    }
    return nil
}

// SetPaymentRefTx records the provider's payment id when none is set yet.
func (r *PurchaseRepo) SetPaymentRefTx(ctx context.Context, tx *sql.Tx, id uint64, ref string, now time.Time) error {
    _, err := tx.ExecContext(ctx,
        `UPDATE purchases SET payment_ref = ?, updated_at = ? WHERE id = ? AND payment_ref IS NULL`,
        ref, DBTime(now), id)
    return err
}

// Outcome is a status change applied by UpdateOutcomeTx.
type Outcome struct {
    From       model.PurchaseStatus
    To         model.PurchaseStatus
    Detail     string
    Payload    string
    PaymentRef string
}

// UpdateOutcomeTx moves a purchase from o.From to o.To.  It reports false
// when the row was no longer in o.From.  The payment reference is only
// filled in, never overwritten.
func (r *PurchaseRepo) UpdateOutcomeTx(ctx context.Context, tx *sql.Tx, id uint64, o Outcome, now time.Time) (bool, error) {
    n, err := exec(ctx, tx,
        `UPDATE purchases
         SET status = ?, status_detail = ?, payload = COALESCE(?, payload),
             payment_ref = COALESCE(payment_ref, ?), updated_at = ?
         WHERE id = ? AND status = ?`,
        string(o.To), o.Detail, nullString(o.Payload), nullString(o.PaymentRef), DBTime(now), id, string(o.From),
    )
    if err != nil {
        return false, err
    }
    return n == 1, nil
}

// SetNumbersTx replaces the numbers snapshot, used once unassigned numbers
// have been claimed.
func (r *PurchaseRepo) SetNumbersTx(ctx context.Context, tx *sql.Tx, id uint64, numbers []int, now time.Time) error {
    _, err := tx.ExecContext(ctx, `UPDATE purchases SET numbers = ?, updated_at = ? WHERE id = ?`,
        encodeNumbers(numbers), DBTime(now), id)
    return err
}

// ListRecent returns the newest purchases first.
func (r *PurchaseRepo) ListRecent(ctx context.Context, limit int) ([]model.Purchase, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT `+purchaseColumns+purchaseFrom+` ORDER BY c.created_at DESC, c.id DESC LIMIT ?`, limit)
    if err != nil {
        return nil, err
    }
    return collectPurchases(rows)
}

// ListAbandoned returns pending purchases with no payment reference that
// were opened at or before cutoff.
func (r *PurchaseRepo) ListAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]model.Purchase, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT `+purchaseColumns+purchaseFrom+`
         WHERE c.status = 'pending' AND c.payment_ref IS NULL AND c.created_at <= ?
         ORDER BY c.id LIMIT ?`, DBTime(cutoff), limit)
    if err != nil {
        return nil, err
    }
    return collectPurchases(rows)
}

// Totals returns the purchase count, gross amount and approved amount.
func (r *PurchaseRepo) Totals(ctx context.Context, stats *model.Stats) error {
    return r.db.QueryRowContext(ctx,
        `SELECT COUNT(*), COALESCE(SUM(amount), 0),
                COALESCE(SUM(CASE WHEN status = 'approved' THEN amount ELSE 0 END), 0)
         FROM purchases`).Scan(&stats.Purchases, &stats.GrossAmount, &stats.ApprovedAmount)
}
