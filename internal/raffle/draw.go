package raffle

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/raffle-ticketing/internal/model"
)

// methodAliases accepts the Spanish names used by the back office.
var methodAliases = map[string]model.DrawMethod{
	"uniform_random":    model.DrawUniformRandom,
	"random":            model.DrawUniformRandom,
	"aleatorio":         model.DrawUniformRandom,
	"ascending_number":  model.DrawAscendingNumber,
	"sistema_numeros":   model.DrawAscendingNumber,
	"earliest_purchase": model.DrawEarliestPurchase,
	"fecha_compra":      model.DrawEarliestPurchase,
}

// ParseDrawMethod resolves a method name or alias.  An empty name selects
// uniform_random.
func ParseDrawMethod(s string) (model.DrawMethod, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return model.DrawUniformRandom, nil
	}
	if m, ok := methodAliases[s]; ok {
		return m, nil
	}
	return "", invalid("method", fmt.Sprintf("unknown draw method %q", s))
}

// Draws selects winners among sold numbers.  A draw never changes ticket
// or purchase state; its result is stored and can be re-read.
type Draws struct {
	st *Store
	settings

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDraws builds a draw engine.  rng may be nil.
func NewDraws(st *Store, rng *rand.Rand, opts ...Option) *Draws {
	d := &Draws{st: st, settings: newSettings(opts), rng: rng}
	if d.rng == nil {
		d.rng = rand.New(rand.NewSource(d.now().UnixNano()))
	}
	return d
}

// Run draws up to winners distinct numbers from the prize's sold tickets.
// The winner count is capped at the number of sold tickets.
func (d *Draws) Run(ctx context.Context, prizeID uint64, winners int, method model.DrawMethod) (*model.Draw, error) {
	if winners < 1 {
		return nil, invalid("winners", "must be at least 1")
	}
	method, err := ParseDrawMethod(string(method))
	if err != nil {
		return nil, err
	}
	if _, err := d.st.Prizes.GetByID(ctx, prizeID); err != nil {
		return nil, mapRepoErr(err)
	}
	sold, err := d.st.Tickets.Sold(ctx, prizeID)
	if err != nil {
		return nil, err
	}
	if len(sold) == 0 {
		return nil, fmt.Errorf("prize %d: %w", prizeID, ErrNoParticipants)
	}
	if winners > len(sold) {
		winners = len(sold)
	}

	picked := d.pick(sold, winners, method)
	draw := &model.Draw{
		PrizeID:      prizeID,
		Method:       method,
		WinnerCount:  winners,
		Participants: len(sold),
		Winners:      make([]model.Winner, len(picked)),
	}
	for i, t := range picked {
		w := model.Winner{Position: i + 1, Number: t.Number, Email: holder(t)}
		if t.PurchaseID != nil {
			w.PurchaseID = *t.PurchaseID
		}
		if t.SoldAt != nil {
			w.SoldAt = *t.SoldAt
		}
		draw.Winners[i] = w
	}
	if err := d.st.Draws.Create(ctx, draw, d.now()); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{
		"prize_id": prizeID, "draw_id": draw.ID, "method": method, "winners": winners, "participants": len(sold),
	}).Info("draw completed")
	return draw, nil
}

// pick orders a copy of sold by method and returns the first n.
func (d *Draws) pick(sold []model.TicketNumber, n int, method model.DrawMethod) []model.TicketNumber {
	pool := append([]model.TicketNumber(nil), sold...)
	switch method {
	case model.DrawAscendingNumber:
		sort.Slice(pool, func(i, j int) bool { return pool[i].Number < pool[j].Number })
	case model.DrawEarliestPurchase:
		sort.SliceStable(pool, func(i, j int) bool {
			a, b := soldAt(pool[i]), soldAt(pool[j])
			if !a.Equal(b) {
				return a.Before(b)
			}
			return pool[i].Number < pool[j].Number
		})
	default:
		d.mu.Lock()
		// partial Fisher-Yates over the first n slots
		for i := 0; i < n; i++ {
			j := i + d.rng.Intn(len(pool)-i)
			pool[i], pool[j] = pool[j], pool[i]
		}
		d.mu.Unlock()
	}
	return pool[:n]
}

func soldAt(t model.TicketNumber) time.Time {
	if t.SoldAt == nil {
		return time.Time{}
	}
	return *t.SoldAt
}

// History returns stored draws for a prize, newest first.
func (d *Draws) History(ctx context.Context, prizeID uint64) ([]model.Draw, error) {
	return d.st.Draws.ListByPrize(ctx, prizeID)
}

// Eligibility summarises who can win a prize.
type Eligibility struct {
	PrizeID      uint64 `json:"prize_id"`
	PrizeName    string `json:"prize_name"`
	Sold         int    `json:"sold"`
	Participants int    `json:"participants"`
	Stock        int    `json:"stock"`
	Numbers      []int  `json:"numbers"`
}

// Eligibility reports sold numbers and distinct buyers for a prize.
func (d *Draws) Eligibility(ctx context.Context, prizeID uint64) (*Eligibility, error) {
	prize, err := d.st.Prizes.GetByID(ctx, prizeID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	sold, err := d.st.Tickets.Sold(ctx, prizeID)
	if err != nil {
		return nil, err
	}
	e := &Eligibility{PrizeID: prize.ID, PrizeName: prize.Name, Sold: len(sold), Stock: prize.Stock, Numbers: make([]int, len(sold))}
	buyers := make(map[string]struct{})
	for i, t := range sold {
		e.Numbers[i] = t.Number
		buyers[holder(t)] = struct{}{}
	}
	e.Participants = len(buyers)
	return e, nil
}
