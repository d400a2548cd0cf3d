package raffle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/database"
	"github.com/iliyamo/raffle-ticketing/internal/metrics"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/repository"
)

// Reservations moves ticket numbers between states.  Every transition is
// a single conditional UPDATE whose predicate names the allowed source
// states, so racing operations on the same number resolve to exactly one
// winner and the loser changes nothing.
type Reservations struct {
	st *Store
	settings
}

// NewReservations builds a Reservations manager over st.
func NewReservations(st *Store, opts ...Option) *Reservations {
	return &Reservations{st: st, settings: newSettings(opts)}
}

// Reservation is a successful time-boxed hold.
type Reservation struct {
	PrizeID   uint64    `json:"prize_id"`
	Numbers   []int     `json:"numbers"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// activePrizeTx loads a prize that can take new holds.
func (r *Reservations) activePrizeTx(ctx context.Context, tx *sql.Tx, prizeID uint64) (*model.Prize, error) {
	prize, err := r.st.Prizes.GetByIDTx(ctx, tx, prizeID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if !prize.Active {
		return nil, fmt.Errorf("prize %d is inactive: %w", prizeID, ErrPrizeUnavailable)
	}
	return prize, nil
}

// Reserve holds every requested number for email until now+ttl, or none of
// them.  A non-positive ttl uses the configured default.  Stale holds on
// the prize are expired first.
func (r *Reservations) Reserve(ctx context.Context, prizeID uint64, numbers []int, email string, ttl time.Duration) (*Reservation, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(numbers) == 0 {
		return nil, invalid("numbers", "at least one number is required")
	}
	if ttl <= 0 {
		ttl = r.reservationTTL
	}
	now := r.now()
	expiresAt := now.Add(ttl)

	var nums []int
	err = database.WithTx(ctx, r.st.DB, func(tx *sql.Tx) error {
		prize, err := r.activePrizeTx(ctx, tx, prizeID)
		if err != nil {
			return err
		}
		if nums, err = normalizeNumbers(numbers, prize.TotalNumbers); err != nil {
			return err
		}
		if _, err := r.expireStaleTx(ctx, tx, prizeID, now); err != nil {
			return err
		}
		if err := r.requireTx(ctx, tx, prizeID, nums, reservable); err != nil {
			return err
		}
		n, err := r.st.Tickets.ReserveTx(ctx, tx, prizeID, nums, email, now, expiresAt)
		if err != nil {
			return err
		}
		if int(n) != len(nums) {
			return r.lostRaceTx(ctx, tx, prizeID, nums, model.TicketReserved, email)
		}
		return nil
	})
	r.recordReservation(err)
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"prize_id": prizeID, "numbers": nums, "email": email}).Info("numbers reserved")
	return &Reservation{PrizeID: prizeID, Numbers: nums, Email: email, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

func (r *Reservations) recordReservation(err error) {
	switch {
	case err == nil:
		metrics.RecordReservation("ok")
	case errors.As(err, new(*NumbersUnavailableError)):
		metrics.RecordReservation("conflict")
	default:
		metrics.RecordReservation("error")
	}
}

// ReserveForPayment ties numbers to an in-flight checkout.  Numbers must be
// available or held by the same email; they no longer expire by TTL and
// leave this state only through ConfirmSold or Release.
func (r *Reservations) ReserveForPayment(ctx context.Context, prizeID uint64, numbers []int, email string) ([]int, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	var nums []int
	err = database.WithTx(ctx, r.st.DB, func(tx *sql.Tx) error {
		prize, err := r.activePrizeTx(ctx, tx, prizeID)
		if err != nil {
			return err
		}
		if nums, err = normalizeNumbers(numbers, prize.TotalNumbers); err != nil {
			return err
		}
		if len(nums) == 0 {
			return invalid("numbers", "at least one number is required")
		}
		return r.reserveForPaymentTx(ctx, tx, prizeID, nums, email, r.now())
	})
	if err != nil {
		return nil, err
	}
	return nums, nil
}

func (r *Reservations) reserveForPaymentTx(ctx context.Context, tx *sql.Tx, prizeID uint64, nums []int, email string, now time.Time) error {
	if _, err := r.expireStaleTx(ctx, tx, prizeID, now); err != nil {
		return err
	}
	if err := r.requireTx(ctx, tx, prizeID, nums, func(t model.TicketNumber) bool {
		return reservable(t) || (t.State == model.TicketReserved && holder(t) == email)
	}); err != nil {
		return err
	}
	n, err := r.st.Tickets.ReserveForPaymentTx(ctx, tx, prizeID, nums, email, now)
	if err != nil {
		return err
	}
	if int(n) != len(nums) {
		return r.lostRaceTx(ctx, tx, prizeID, nums, model.TicketReservedForPayment, email)
	}
	return nil
}

// Expire returns any of the given numbers still in reserved to the pool.
// Sold, available and payment-bound numbers are left alone.
func (r *Reservations) Expire(ctx context.Context, prizeID uint64, numbers []int) (int64, error) {
	return r.expire(ctx, prizeID, numbers, "")
}

// Cancel is Expire restricted to holds owned by email.
func (r *Reservations) Cancel(ctx context.Context, prizeID uint64, numbers []int, email string) (int64, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return 0, err
	}
	return r.expire(ctx, prizeID, numbers, email)
}

func (r *Reservations) expire(ctx context.Context, prizeID uint64, numbers []int, email string) (int64, error) {
	nums, err := normalizeNumbers(numbers, 0)
	if err != nil || len(nums) == 0 {
		return 0, err
	}
	var n int64
	err = database.WithTx(ctx, r.st.DB, func(tx *sql.Tx) error {
		n, err = r.st.Tickets.ExpireTx(ctx, tx, prizeID, nums, email)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.RecordExpired(n)
	return n, nil
}

// ExpireStale releases every reservation whose deadline has passed, across
// all prizes.
func (r *Reservations) ExpireStale(ctx context.Context) (int64, error) {
	var n int64
	err := database.WithTx(ctx, r.st.DB, func(tx *sql.Tx) error {
		var err error
		n, err = r.expireStaleTx(ctx, tx, 0, r.now())
		return err
	})
	return n, err
}

func (r *Reservations) expireStaleTx(ctx context.Context, tx *sql.Tx, prizeID uint64, now time.Time) (int64, error) {
	n, err := r.st.Tickets.ExpireStaleTx(ctx, tx, prizeID, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordExpired(n)
		r.log.WithFields(logrus.Fields{"prize_id": prizeID, "count": n}).Debug("stale reservations expired")
	}
	return n, nil
}

// ConfirmSold sells numbers to a purchase and moves the prize counters by
// the count newly sold.  Numbers already sold to the same purchase are a
// no-op; any other holder yields ErrStateConflict with nothing changed.
func (r *Reservations) ConfirmSold(ctx context.Context, prizeID uint64, numbers []int, purchaseID uint64, email string) (int, error) {
	nums, err := normalizeNumbers(numbers, 0)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 0, invalid("numbers", "at least one number is required")
	}
	var sold int
	err = database.WithTx(ctx, r.st.DB, func(tx *sql.Tx) error {
		sold, err = r.confirmSoldTx(ctx, tx, prizeID, nums, purchaseID, email, r.now())
		return err
	})
	return sold, err
}

func (r *Reservations) confirmSoldTx(ctx context.Context, tx *sql.Tx, prizeID uint64, nums []int, purchaseID uint64, email string, now time.Time) (int, error) {
	n, err := r.st.Tickets.SellTx(ctx, tx, prizeID, nums, purchaseID, email, now)
	if err != nil {
		return 0, err
	}
	rows, err := r.st.Tickets.ByNumbersTx(ctx, tx, prizeID, nums)
	if err != nil {
		return 0, err
	}
	owned := 0
	var foreign []int
	for _, t := range rows {
		if t.State == model.TicketSold && t.PurchaseID != nil && *t.PurchaseID == purchaseID {
			owned++
			continue
		}
		foreign = append(foreign, t.Number)
	}
	if owned != len(nums) || len(rows) != len(nums) {
		return 0, fmt.Errorf("purchase %d numbers %v held elsewhere: %w", purchaseID, missingOrForeign(nums, rows, foreign), ErrStateConflict)
	}
	if err := r.adjustCountersTx(ctx, tx, prizeID, int(n), now); err != nil {
		return 0, err
	}
	return int(n), nil
}

// ClaimUnassigned sells the first quantity available numbers, ascending,
// to a purchase that never picked numbers.  It claims all or nothing.
func (r *Reservations) ClaimUnassigned(ctx context.Context, prizeID uint64, quantity int, purchaseID uint64, email string) ([]int, error) {
	if quantity < 1 {
		return nil, invalid("quantity", "must be at least 1")
	}
	var nums []int
	err := database.WithTx(ctx, r.st.DB, func(tx *sql.Tx) error {
		var err error
		nums, err = r.claimUnassignedTx(ctx, tx, prizeID, quantity, purchaseID, email, r.now())
		return err
	})
	return nums, err
}

func (r *Reservations) claimUnassignedTx(ctx context.Context, tx *sql.Tx, prizeID uint64, quantity int, purchaseID uint64, email string, now time.Time) ([]int, error) {
	if _, err := r.expireStaleTx(ctx, tx, prizeID, now); err != nil {
		return nil, err
	}
	nums, err := r.st.Tickets.FirstAvailableTx(ctx, tx, prizeID, quantity)
	if err != nil {
		return nil, err
	}
	if len(nums) < quantity {
		return nil, fmt.Errorf("prize %d has %d of %d numbers: %w", prizeID, len(nums), quantity, ErrInsufficientAvailability)
	}
	n, err := r.st.Tickets.SellTx(ctx, tx, prizeID, nums, purchaseID, email, now)
	if err != nil {
		return nil, err
	}
	if int(n) != quantity {
		return nil, fmt.Errorf("prize %d lost numbers while claiming: %w", prizeID, ErrInsufficientAvailability)
	}
	if err := r.adjustCountersTx(ctx, tx, prizeID, quantity, now); err != nil {
		return nil, err
	}
	return nums, nil
}

// Release returns payment-bound numbers to the pool.  A non-empty email
// limits the release to that holder's numbers.  Sold numbers never move.
func (r *Reservations) Release(ctx context.Context, prizeID uint64, numbers []int, email string) (int64, error) {
	nums, err := normalizeNumbers(numbers, 0)
	if err != nil || len(nums) == 0 {
		return 0, err
	}
	var n int64
	err = database.WithTx(ctx, r.st.DB, func(tx *sql.Tx) error {
		n, err = r.st.Tickets.ReleaseTx(ctx, tx, prizeID, nums, email)
		return err
	})
	return n, err
}

func (r *Reservations) releaseTx(ctx context.Context, tx *sql.Tx, prizeID uint64, nums []int, email string) (int64, error) {
	if len(nums) == 0 {
		return 0, nil
	}
	return r.st.Tickets.ReleaseTx(ctx, tx, prizeID, nums, email)
}

// adjustCountersTx is the only writer of prize stock and sold.
func (r *Reservations) adjustCountersTx(ctx context.Context, tx *sql.Tx, prizeID uint64, n int, now time.Time) error {
	err := r.st.Prizes.AdjustCountersTx(ctx, tx, prizeID, n, now)
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("prize %d counters cannot absorb %d sales: %w", prizeID, n, ErrStateConflict)
	}
	return err
}

func reservable(t model.TicketNumber) bool { return t.State == model.TicketAvailable }

// requireTx reads the requested rows before a transition and reports every
// number whose current state the transition would reject.
func (r *Reservations) requireTx(ctx context.Context, tx *sql.Tx, prizeID uint64, nums []int, ok func(model.TicketNumber) bool) error {
	rows, err := r.st.Tickets.ByNumbersTx(ctx, tx, prizeID, nums)
	if err != nil {
		return err
	}
	var bad []int
	for _, t := range rows {
		if !ok(t) {
			bad = append(bad, t.Number)
		}
	}
	if bad = missingOrForeign(nums, rows, bad); len(bad) > 0 {
		return numbersUnavailable(bad)
	}
	return nil
}

// lostRaceTx handles an UPDATE that came up short after requireTx passed,
// meaning a concurrent writer committed in between.  Rows not now in state
// for email are reported; if the other writer used the same email every
// requested number is reported.
func (r *Reservations) lostRaceTx(ctx context.Context, tx *sql.Tx, prizeID uint64, nums []int, state model.TicketState, email string) error {
	rows, err := r.st.Tickets.ByNumbersTx(ctx, tx, prizeID, nums)
	if err != nil {
		return err
	}
	var bad []int
	for _, t := range rows {
		if t.State != state || holder(t) != email {
			bad = append(bad, t.Number)
		}
	}
	if bad = missingOrForeign(nums, rows, bad); len(bad) == 0 {
		bad = nums
	}
	return numbersUnavailable(bad)
}

// missingOrForeign adds numbers with no row at all to bad.
func missingOrForeign(nums []int, rows []model.TicketNumber, bad []int) []int {
	seen := make(map[int]bool, len(rows))
	for _, t := range rows {
		seen[t.Number] = true
	}
	for _, n := range nums {
		if !seen[n] {
			bad = append(bad, n)
		}
	}
	return bad
}

func holder(t model.TicketNumber) string {
	if t.HolderEmail == nil {
		return ""
	}
	return *t.HolderEmail
}
