package raffle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/database"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/repository"
)

// Ledger records purchases and drives their status.  A purchase moves
// from pending to exactly one terminal status and never leaves it; the
// ticket transitions that follow a status change run in the same
// transaction as the status update.
type Ledger struct {
	st  *Store
	res *Reservations
	settings
}

// NewLedger builds a Ledger.  res performs the ticket side of every
// status change.
func NewLedger(st *Store, res *Reservations, opts ...Option) *Ledger {
	return &Ledger{st: st, res: res, settings: newSettings(opts)}
}

// OpenRequest asks for quantity numbers of a prize.  When Numbers is
// empty the lowest available numbers are taken.
type OpenRequest struct {
	PrizeID  uint64
	Email    string
	Name     string
	Phone    string
	Quantity int
	Numbers  []int
}

func (req *OpenRequest) normalize() error {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return err
	}
	req.Email = email
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.PrizeID == 0 {
		return invalid("prize_id", "required")
	}
	if req.Quantity == 0 {
		req.Quantity = len(req.Numbers)
	}
	if req.Quantity < 1 {
		return invalid("quantity", "must be at least 1")
	}
	if req.Quantity > maxNumbersPerRequest {
		return invalid("quantity", fmt.Sprintf("at most %d numbers per purchase", maxNumbersPerRequest))
	}
	if len(req.Numbers) > 0 && len(req.Numbers) != req.Quantity {
		return invalid("numbers", fmt.Sprintf("%d numbers selected for quantity %d", len(req.Numbers), req.Quantity))
	}
	return nil
}

// Open checks availability, binds the numbers to the buyer for payment and
// inserts a pending purchase, all in one transaction.  The amount is
// frozen at quantity times the current price.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*model.Purchase, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	now := l.now()
	var pu *model.Purchase
	err := database.WithTx(ctx, l.st.DB, func(tx *sql.Tx) error {
		prize, err := l.st.Prizes.GetByIDTx(ctx, tx, req.PrizeID)
		if err != nil {
			return mapRepoErr(err)
		}
		if !prize.Active {
			return fmt.Errorf("prize %d is inactive: %w", prize.ID, ErrPrizeUnavailable)
		}
		nums, err := normalizeNumbers(req.Numbers, prize.TotalNumbers)
		if err != nil {
			return err
		}
		if prize.Stock < req.Quantity {
			return fmt.Errorf("prize %d has stock %d for %d: %w", prize.ID, prize.Stock, req.Quantity, ErrPrizeUnavailable)
		}
		if _, err := l.res.expireStaleTx(ctx, tx, prize.ID, now); err != nil {
			return err
		}
		if len(nums) == 0 {
			if nums, err = l.st.Tickets.FirstAvailableTx(ctx, tx, prize.ID, req.Quantity); err != nil {
				return err
			}
			if len(nums) < req.Quantity {
				return fmt.Errorf("prize %d has %d of %d numbers free: %w", prize.ID, len(nums), req.Quantity, ErrPrizeUnavailable)
			}
		}
		if err := l.res.reserveForPaymentTx(ctx, tx, prize.ID, nums, req.Email, now); err != nil {
			return err
		}

		pu = &model.Purchase{
			PrizeID:    prize.ID,
			PrizeName:  prize.Name,
			Email:      req.Email,
			BuyerName:  req.Name,
			BuyerPhone: req.Phone,
			Quantity:   req.Quantity,
			Amount:     prize.Price.Mul(decimal.NewFromInt(int64(req.Quantity))),
			OrderRef:   uuid.NewString(),
			Status:     model.PurchasePending,
			Numbers:    nums,
			CreatedAt:  now.Truncate(timeGranularity),
			UpdatedAt:  now.Truncate(timeGranularity),
		}
		pu.ID, err = l.st.Purchases.CreateTx(ctx, tx, pu, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{
		"purchase_id": pu.ID, "prize_id": pu.PrizeID, "order_ref": pu.OrderRef, "numbers": pu.Numbers,
	}).Info("purchase opened")
	return pu, nil
}

// AttachExternalRef records the provider's checkout session id.  The
// payment id learned later is attached separately, so both resolve to
// the same purchase.
func (l *Ledger) AttachExternalRef(ctx context.Context, purchaseID uint64, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return invalid("ref", "required")
	}
	return mapRepoErr(l.st.Purchases.SetCheckoutRef(ctx, purchaseID, ref, l.now()))
}

// Purchase resolves a payment, order or checkout reference, or a numeric
// purchase id.
func (l *Ledger) Purchase(ctx context.Context, ref string) (*model.Purchase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, invalid("ref", "required")
	}
	pu, err := l.st.Purchases.FindByRef(ctx, ref)
	if errors.Is(err, repository.ErrNotFound) {
		if id, ok := parseID(ref); ok {
			pu, err = l.st.Purchases.GetByID(ctx, id)
		}
	}
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return pu, nil
}

// ListRecent returns the newest purchases with their prize names.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]model.Purchase, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return l.st.Purchases.ListRecent(ctx, limit)
}

// Outcome is a payment result reported by the provider.
type Outcome struct {
	PaymentRef string // provider payment id
	OrderRef   string // external reference echoed back by the provider
	Status     model.PurchaseStatus
	Detail     string
	Payload    string
	Metadata   *payment.Metadata // used when no purchase matches
}

// OutcomeFromPayment builds an Outcome from a fetched payment.
func OutcomeFromPayment(p *payment.Payment) Outcome {
	return Outcome{
		PaymentRef: p.ID,
		OrderRef:   p.ExternalReference,
		Status:     p.Status,
		Detail:     p.StatusDetail,
		Payload:    p.RawPayload,
		Metadata:   p.Metadata,
	}
}

// Settlement describes what ApplyOutcome did.
type Settlement struct {
	Purchase  *model.Purchase
	Previous  model.PurchaseStatus
	Changed   bool
	Recovered bool
}

// ApplyOutcome moves the matching purchase to the reported status and
// performs the ticket transitions it implies: approval sells the numbers
// and moves the prize counters, rejection and cancellation release them.
// Repeating an outcome is a no-op.  A different outcome for a purchase
// that already reached a terminal status is refused with
// ErrStateConflict; an approval of a rejected or cancelled purchase comes
// back as a *SettlementError wrapping ErrPurchaseClosed.
func (l *Ledger) ApplyOutcome(ctx context.Context, o Outcome) (*Settlement, error) {
	var s *Settlement
	err := database.WithTx(ctx, l.st.DB, func(tx *sql.Tx) error {
		var err error
		s, err = l.applyOutcomeTx(ctx, tx, o, l.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (l *Ledger) applyOutcomeTx(ctx context.Context, tx *sql.Tx, o Outcome, now time.Time) (*Settlement, error) {
	if o.PaymentRef == "" && o.OrderRef == "" {
		return nil, invalid("ref", "required")
	}
	if o.Status == "" {
		o.Status = model.PurchasePending
	}
	log := l.log.WithFields(logrus.Fields{"payment_ref": o.PaymentRef, "order_ref": o.OrderRef, "status": o.Status})

	pu, err := l.lookupTx(ctx, tx, o)
	recovered := false
	if errors.Is(err, ErrNotFound) && o.Metadata != nil && o.Status.Terminal() {
		pu, err = l.recoverTx(ctx, tx, o, now)
		recovered = true
	}
	if err != nil {
		return nil, err
	}
	log = log.WithField("purchase_id", pu.ID)
	s := &Settlement{Purchase: pu, Previous: pu.Status, Recovered: recovered}

	if pu.Status == o.Status {
		if o.PaymentRef != "" && pu.PaymentRef == nil {
			if err := l.st.Purchases.SetPaymentRefTx(ctx, tx, pu.ID, o.PaymentRef, now); err != nil {
				return nil, err
			}
			ref := o.PaymentRef
			pu.PaymentRef = &ref
		}
		return s, nil
	}
	if pu.Status.Terminal() {
		if o.Status == model.PurchaseApproved {
			return nil, &SettlementError{PurchaseID: pu.ID, Err: fmt.Errorf("purchase is %s: %w", pu.Status, ErrPurchaseClosed)}
		}
		log.WithField("current", pu.Status).Warn("outcome refused: purchase already settled")
		return nil, fmt.Errorf("purchase %d is %s, refusing %s: %w", pu.ID, pu.Status, o.Status, ErrStateConflict)
	}

	ok, err := l.st.Purchases.UpdateOutcomeTx(ctx, tx, pu.ID, repository.Outcome{
		From: pu.Status, To: o.Status, Detail: o.Detail, Payload: o.Payload, PaymentRef: o.PaymentRef,
	}, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("purchase %d changed concurrently: %w", pu.ID, ErrStateConflict)
	}

	switch o.Status {
	case model.PurchaseApproved:
		if err := l.sellTx(ctx, tx, pu, now); err != nil {
			return nil, &SettlementError{PurchaseID: pu.ID, Err: err}
		}
	case model.PurchaseRejected, model.PurchaseCancelled:
		if recovered {
			break // a recovered purchase never held numbers
		}
		if _, err := l.res.releaseTx(ctx, tx, pu.PrizeID, pu.Numbers, pu.Email); err != nil {
			return nil, err
		}
	}

	if s.Purchase, err = l.st.Purchases.GetByIDTx(ctx, tx, pu.ID); err != nil {
		return nil, err
	}
	s.Changed = true
	log.WithField("previous", s.Previous).Info("purchase outcome applied")
	return s, nil
}

// sellTx sells the purchase's snapshot, or claims the lowest available
// numbers when the buyer never picked any.
func (l *Ledger) sellTx(ctx context.Context, tx *sql.Tx, pu *model.Purchase, now time.Time) error {
	if len(pu.Numbers) > 0 {
		_, err := l.res.confirmSoldTx(ctx, tx, pu.PrizeID, pu.Numbers, pu.ID, pu.Email, now)
		return err
	}
	nums, err := l.res.claimUnassignedTx(ctx, tx, pu.PrizeID, pu.Quantity, pu.ID, pu.Email, now)
	if err != nil {
		return err
	}
	return l.st.Purchases.SetNumbersTx(ctx, tx, pu.ID, nums, now)
}

func (l *Ledger) lookupTx(ctx context.Context, tx *sql.Tx, o Outcome) (*model.Purchase, error) {
	for _, ref := range []string{o.PaymentRef, o.OrderRef} {
		if ref == "" {
			continue
		}
		pu, err := l.st.Purchases.FindByRefTx(ctx, tx, ref)
		if err == nil {
			return pu, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no purchase for payment %q order %q: %w", o.PaymentRef, o.OrderRef, ErrNotFound)
}

// recoverTx rebuilds a pending purchase from provider metadata for a
// notification that arrived before, or without, the local purchase.
func (l *Ledger) recoverTx(ctx context.Context, tx *sql.Tx, o Outcome, now time.Time) (*model.Purchase, error) {
	meta := o.Metadata
	email, err := normalizeEmail(meta.Email)
	if err != nil {
		return nil, err
	}
	if meta.Quantity < 1 {
		return nil, invalid("quantity", "must be at least 1")
	}
	prize, err := l.st.Prizes.GetByIDTx(ctx, tx, meta.PrizeID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	nums, err := normalizeNumbers(meta.Numbers, prize.TotalNumbers)
	if err != nil {
		return nil, err
	}
	if len(nums) > 0 && len(nums) != meta.Quantity {
		nums = nil
	}
	orderRef := meta.OrderRef
	if orderRef == "" {
		orderRef = o.OrderRef
	}
	if orderRef == "" {
		orderRef = uuid.NewString()
	}
	pu := &model.Purchase{
		PrizeID:      prize.ID,
		PrizeName:    prize.Name,
		Email:        email,
		Quantity:     meta.Quantity,
		Amount:       prize.Price.Mul(decimal.NewFromInt(int64(meta.Quantity))),
		OrderRef:     orderRef,
		Status:       model.PurchasePending,
		StatusDetail: "recovered",
		Numbers:      nums,
		CreatedAt:    now.Truncate(timeGranularity),
		UpdatedAt:    now.Truncate(timeGranularity),
	}
	if pu.ID, err = l.st.Purchases.CreateTx(ctx, tx, pu, now); err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{
		"purchase_id": pu.ID, "prize_id": pu.PrizeID, "payment_ref": o.PaymentRef,
	}).Warn("purchase recovered from notification metadata")
	return pu, nil
}
