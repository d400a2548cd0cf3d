package raffle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/raffle-ticketing/internal/logging"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/queue"
	"github.com/iliyamo/raffle-ticketing/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	payments  map[string]*payment.Payment
	requests  []payment.CheckoutRequest
	createErr error
	fetchErr  error
	fetches   int
}

func (g *fakeGateway) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.requests = append(g.requests, req)
	ref := fmt.Sprintf("pref-%d", len(g.requests))
	return &payment.CheckoutSession{ExternalRef: ref, RedirectURL: "https://pay.example/" + ref}, nil
}

func (g *fakeGateway) FetchPayment(_ context.Context, ref string) (*payment.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	p, ok := g.payments[ref]
	if !ok {
		return nil, fmt.Errorf("payment %s: status 404: %w", ref, payment.ErrGateway)
	}
	cp := *p
	return &cp, nil
}

// pay records the provider's view of payment id for an order.
func (g *fakeGateway) pay(id, orderRef string, status model.PurchaseStatus) *payment.Payment {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := &payment.Payment{
		ID:                id,
		Status:            status,
		ProviderStatus:    string(status),
		StatusDetail:      "accredited",
		ExternalReference: orderRef,
		RawPayload:        fmt.Sprintf(`{"id":%q,"status":%q}`, id, status),
	}
	g.payments[id] = p
	return p
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.PurchaseApprovedEvent
	err    error
}

func (p *fakePublisher) PublishPurchaseApproved(_ context.Context, ev queue.PurchaseApprovedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	st       *Store
	clock    *fakeClock
	gw       *fakeGateway
	pub      *fakePublisher
	pool     *Pool
	res      *Reservations
	ledger   *Ledger
	checkout *Checkout
	rec      *Reconciler
	draws    *Draws
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := NewStore(testutil.NewDB(t))
	clock := &fakeClock{now: t0}
	opts := []Option{WithClock(clock), WithLogger(logging.Discard())}
	f := &fixture{
		st:    st,
		clock: clock,
		gw:    &fakeGateway{payments: map[string]*payment.Payment{}},
		pub:   &fakePublisher{},
		pool:  NewPool(st, opts...),
		res:   NewReservations(st, opts...),
	}
	f.ledger = NewLedger(st, f.res, opts...)
	f.checkout = NewCheckout(st, f.ledger, f.gw, CheckoutConfig{
		PublicBaseURL: "https://rifas.example", PublicKey: "APP_USR-pk",
	}, opts...)
	f.rec = NewReconciler(st, f.ledger, f.gw, f.pub, opts...)
	f.draws = NewDraws(st, rand.New(rand.NewSource(7)), opts...)
	return f
}

func (f *fixture) newPrize(t *testing.T, total int) *model.Prize {
	t.Helper()
	p, err := f.pool.CreatePrize(context.Background(), PrizeInput{
		Name: "Laptop", Price: decimal.RequireFromString("1500.50"), TotalNumbers: total,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) states(t *testing.T, prizeID uint64) map[int]model.TicketState {
	t.Helper()
	rows, err := f.st.Tickets.List(context.Background(), prizeID, "")
	require.NoError(t, err)
	out := make(map[int]model.TicketState, len(rows))
	for _, r := range rows {
		out[r.Number] = r.State
	}
	return out
}

// requireCounters checks stock + sold against the allocation and sold
// against the live sold rows.
func (f *fixture) requireCounters(t *testing.T, prizeID uint64) *model.Prize {
	t.Helper()
	ctx := context.Background()
	p, err := f.st.Prizes.GetByID(ctx, prizeID)
	require.NoError(t, err)
	counts, err := f.st.Tickets.Counts(ctx, prizeID)
	require.NoError(t, err)
	assert.Equal(t, p.TotalNumbers, p.Stock+p.Sold, "stock + sold")
	assert.Equal(t, counts.Sold, p.Sold, "sold counter vs sold rows")
	assert.Equal(t, p.TotalNumbers, counts.Total)
	return p
}
