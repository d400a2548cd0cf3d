package raffle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/database"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/repository"
)

// maxNumbersPerPrize bounds a single allocation.
const maxNumbersPerPrize = 100000

// Pool owns prizes and their ticket number ranges.  Reads here never
// mutate state; counts are computed from ticket rows.
type Pool struct {
	st *Store
	settings
}

// NewPool builds a Pool over st.
func NewPool(st *Store, opts ...Option) *Pool {
	return &Pool{st: st, settings: newSettings(opts)}
}

// PrizeInput carries the fields of a new or edited prize.  TotalNumbers
// is ignored on update.
type PrizeInput struct {
	Name         string
	Description  string
	Price        decimal.Decimal
	TotalNumbers int
	Active       *bool
	Icon         string
}

func (in PrizeInput) validate(creating bool) error {
	if in.Name == "" {
		return invalid("name", "required")
	}
	if !in.Price.IsPositive() {
		return invalid("price", "must be positive")
	}
	if in.Price.Exponent() < -2 {
		return invalid("price", "at most two decimals")
	}
	if creating && (in.TotalNumbers < 1 || in.TotalNumbers > maxNumbersPerPrize) {
		return invalid("total_numbers", fmt.Sprintf("must be within 1..%d", maxNumbersPerPrize))
	}
	return nil
}

// CreatePrize inserts a prize and allocates numbers 1..TotalNumbers in the
// same transaction, so no prize is visible with a partial range.
func (p *Pool) CreatePrize(ctx context.Context, in PrizeInput) (*model.Prize, error) {
	if err := in.validate(true); err != nil {
		return nil, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	prize := &model.Prize{
		Name: in.Name, Description: in.Description, Price: in.Price,
		TotalNumbers: in.TotalNumbers, Active: active, Icon: in.Icon,
	}
	now := p.now()
	var created *model.Prize
	err := database.WithTx(ctx, p.st.DB, func(tx *sql.Tx) error {
		id, err := p.st.Prizes.CreateTx(ctx, tx, prize, now)
		if err != nil {
			return err
		}
		if err := p.allocateTx(ctx, tx, id, in.TotalNumbers); err != nil {
			return err
		}
		created, err = p.st.Prizes.GetByIDTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{"prize_id": created.ID, "total_numbers": created.TotalNumbers}).Info("prize created")
	return created, nil
}

// Allocate creates numbers 1..total for an existing prize whose range has
// not been allocated yet.
func (p *Pool) Allocate(ctx context.Context, prizeID uint64, total int) error {
	if total < 1 || total > maxNumbersPerPrize {
		return invalid("total_numbers", fmt.Sprintf("must be within 1..%d", maxNumbersPerPrize))
	}
	return database.WithTx(ctx, p.st.DB, func(tx *sql.Tx) error {
		prize, err := p.st.Prizes.GetByIDTx(ctx, tx, prizeID)
		if err != nil {
			return mapRepoErr(err)
		}
		if prize.TotalNumbers != total {
			return invalid("total_numbers", fmt.Sprintf("prize %d expects %d numbers", prizeID, prize.TotalNumbers))
		}
		return p.allocateTx(ctx, tx, prizeID, total)
	})
}

func (p *Pool) allocateTx(ctx context.Context, tx *sql.Tx, prizeID uint64, total int) error {
	err := p.st.Tickets.AllocateTx(ctx, tx, prizeID, total)
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("prize %d: %w", prizeID, ErrAllocationConflict)
	}
	return err
}

// Prize returns one prize.
func (p *Pool) Prize(ctx context.Context, id uint64) (*model.Prize, error) {
	prize, err := p.st.Prizes.GetByID(ctx, id)
	return prize, mapRepoErr(err)
}

// Prizes lists prizes, newest first.
func (p *Pool) Prizes(ctx context.Context, activeOnly bool) ([]model.Prize, error) {
	return p.st.Prizes.List(ctx, activeOnly)
}

// UpdatePrize edits descriptive fields.  The number range is fixed at
// creation.
func (p *Pool) UpdatePrize(ctx context.Context, id uint64, in PrizeInput) (*model.Prize, error) {
	if err := in.validate(false); err != nil {
		return nil, err
	}
	current, err := p.st.Prizes.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	current.Name = in.Name
	current.Description = in.Description
	current.Price = in.Price
	if in.Active != nil {
		current.Active = *in.Active
	}
	if in.Icon != "" {
		current.Icon = in.Icon
	}
	if err := p.st.Prizes.UpdateMeta(ctx, current, p.now()); err != nil {
		return nil, mapRepoErr(err)
	}
	return p.Prize(ctx, id)
}

// DeletePrize removes a prize and its numbers.  Prizes with purchases
// return ErrPrizeInUse.
func (p *Pool) DeletePrize(ctx context.Context, id uint64) error {
	err := database.WithTx(ctx, p.st.DB, func(tx *sql.Tx) error {
		return p.st.Prizes.DeleteTx(ctx, tx, id)
	})
	if errors.Is(err, repository.ErrConflict) {
		return ErrPrizeInUse
	}
	if err == nil {
		p.log.WithField("prize_id", id).Info("prize deleted")
	}
	return mapRepoErr(err)
}

// Query lists a prize's numbers, optionally filtered by state.
func (p *Pool) Query(ctx context.Context, prizeID uint64, state model.TicketState) ([]model.TicketNumber, error) {
	if state != "" && !state.Valid() {
		return nil, invalid("state", fmt.Sprintf("unknown state %q", state))
	}
	if _, err := p.st.Prizes.GetByID(ctx, prizeID); err != nil {
		return nil, mapRepoErr(err)
	}
	return p.st.Tickets.List(ctx, prizeID, state)
}

// Counts aggregates the live ticket rows of a prize.
func (p *Pool) Counts(ctx context.Context, prizeID uint64) (model.TicketCounts, error) {
	if _, err := p.st.Prizes.GetByID(ctx, prizeID); err != nil {
		return model.TicketCounts{}, mapRepoErr(err)
	}
	return p.st.Tickets.Counts(ctx, prizeID)
}

// Stats summarises prizes, purchases and numbers for the dashboard.
func (p *Pool) Stats(ctx context.Context) (*model.Stats, error) {
	stats := &model.Stats{}
	if err := p.st.Prizes.Totals(ctx, stats); err != nil {
		return nil, err
	}
	if err := p.st.Purchases.Totals(ctx, stats); err != nil {
		return nil, err
	}
	counts, err := p.st.Tickets.CountsAll(ctx)
	if err != nil {
		return nil, err
	}
	stats.Numbers = counts
	latest, err := p.st.Purchases.ListRecent(ctx, 5)
	if err != nil {
		return nil, err
	}
	stats.LatestPurchases = latest
	return stats, nil
}

func mapRepoErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
