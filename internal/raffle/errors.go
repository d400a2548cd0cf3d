package raffle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInsufficientAvailability: fewer available numbers than requested.
	ErrInsufficientAvailability = errors.New("insufficient availability")
	// ErrStateConflict: a transition was attempted from an invalid state.
	ErrStateConflict = errors.New("state conflict")
	// ErrPrizeUnavailable: the prize is inactive or cannot cover the quantity.
	ErrPrizeUnavailable = errors.New("prize unavailable")
	// ErrNotFound: unknown prize, purchase or ticket reference.
	ErrNotFound = errors.New("not found")
	// ErrNoParticipants: a draw found no sold tickets.
	ErrNoParticipants = errors.New("no participants")
	// ErrAllocationConflict: numbers already exist for the prize.
	ErrAllocationConflict = errors.New("allocation conflict")
	// ErrPrizeInUse: the prize is referenced by purchases.
	ErrPrizeInUse = errors.New("prize has purchases")
	// ErrPurchaseClosed: an approval arrived for a rejected or cancelled
	// purchase.  The buyer paid and holds no numbers.
	ErrPurchaseClosed = fmt.Errorf("purchase closed: %w", ErrStateConflict)
)

// ValidationError reports a malformed request.  It is returned before any
// state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// NumbersUnavailableError lists the requested numbers that were not in a
// state the operation could take them from.
type NumbersUnavailableError struct {
	Numbers []int
}

func (e *NumbersUnavailableError) Error() string {
	parts := make([]string, len(e.Numbers))
	for i, n := range e.Numbers {
		parts[i] = fmt.Sprint(n)
	}
	return "numbers unavailable: " + strings.Join(parts, ", ")
}

func numbersUnavailable(nums []int) error {
	out := append([]int(nil), nums...)
	sort.Ints(out)
	return &NumbersUnavailableError{Numbers: out}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// UnavailableNumbers returns the conflicting numbers carried by err, if any.
func UnavailableNumbers(err error) ([]int, bool) {
	var u *NumbersUnavailableError
	if errors.As(err, &u) {
		return u.Numbers, true
	}
	return nil, false
}

// SettlementError is returned when a purchase was approved by the provider
// but its numbers could not be sold.  Nothing is committed.
type SettlementError struct {
	PurchaseID uint64
	Err        error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle purchase %d: %v", e.PurchaseID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }
