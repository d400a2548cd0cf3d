package raffle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/raffle-ticketing/internal/metrics"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/payment"
)

// laptopCheckout runs the buyer side of the Laptop scenario: hold {3,7},
// see the competing hold on {7,9} fail, then start a checkout.
func laptopCheckout(t *testing.T, f *fixture) (*model.Prize, *CheckoutResult) {
	t.Helper()
	ctx := context.Background()
	p := f.newPrize(t, 10)

	_, err := f.res.Reserve(ctx, p.ID, []int{3, 7}, "a@x.com", 600*time.Second)
	require.NoError(t, err)
	_, err = f.res.Reserve(ctx, p.ID, []int{7, 9}, "b@x.com", 600*time.Second)
	nums, ok := UnavailableNumbers(err)
	require.True(t, ok)
	require.Equal(t, []int{7}, nums)

	res, err := f.checkout.Start(ctx, OpenRequest{PrizeID: p.ID, Email: "a@x.com", Numbers: []int{3, 7}})
	require.NoError(t, err)
	return p, res
}

func TestLaptopApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, co := laptopCheckout(t, f)
	f.gw.pay("9001", co.OrderRef, model.PurchaseApproved)

	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9001", Payload: `{"type":"payment","data":{"id":"9001"}}`})
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, model.PurchaseApproved, res.Status)

	states := f.states(t, p.ID)
	assert.Equal(t, model.TicketSold, states[3])
	assert.Equal(t, model.TicketSold, states[7])
	prize := f.requireCounters(t, p.ID)
	assert.Equal(t, 2, prize.Sold)
	assert.Equal(t, 8, prize.Stock)

	r, err := f.res.Reserve(ctx, p.ID, []int{9}, "b@x.com", 0)
	require.NoError(t, err, "9 must stay reservable")
	assert.Equal(t, []int{9}, r.Numbers)

	require.Equal(t, 1, f.pub.count())
	ev := f.pub.events[0]
	assert.Equal(t, co.PurchaseID, ev.PurchaseID)
	assert.Equal(t, []int{3, 7}, ev.Numbers)
	assert.Equal(t, "3001.00", ev.Amount)
	assert.Equal(t, "9001", ev.PaymentRef)

	logs, err := f.st.Webhooks.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Processed)
}

func TestLaptopRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, co := laptopCheckout(t, f)
	f.gw.pay("9002", co.OrderRef, model.PurchaseRejected)

	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9002"})
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseRejected, res.Status)

	states := f.states(t, p.ID)
	assert.Equal(t, model.TicketAvailable, states[3])
	assert.Equal(t, model.TicketAvailable, states[7])
	prize := f.requireCounters(t, p.ID)
	assert.Zero(t, prize.Sold)
	assert.Zero(t, f.pub.count())
}

func TestNotificationReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, co := laptopCheckout(t, f)
	f.gw.pay("9003", co.OrderRef, model.PurchaseApproved)

	for i := 0; i < 3; i++ {
		res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9003"})
		require.NoError(t, err)
		assert.True(t, res.Processed)
	}
	prize := f.requireCounters(t, p.ID)
	assert.Equal(t, 2, prize.Sold)
	assert.Equal(t, 1, f.pub.count(), "approval is published once")

	pu, err := f.ledger.Purchase(ctx, "9003")
	require.NoError(t, err)
	assert.Equal(t, co.PurchaseID, pu.ID)
	assert.Equal(t, model.PurchaseApproved, pu.Status)
}

func TestApprovedPurchaseIgnoresLaterRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, co := laptopCheckout(t, f)
	f.gw.pay("9004", co.OrderRef, model.PurchaseApproved)
	_, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9004"})
	require.NoError(t, err)

	f.gw.pay("9004", co.OrderRef, model.PurchaseCancelled)
	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9004"})
	require.NoError(t, err, "a refused transition is not redelivered")
	assert.False(t, res.Processed)
	assert.NotEmpty(t, res.Error)

	pu, err := f.ledger.Purchase(ctx, "9004")
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseApproved, pu.Status)
	assert.Equal(t, model.TicketSold, f.states(t, p.ID)[3])
}

func TestNotificationGatewayFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, co := laptopCheckout(t, f)
	f.gw.fetchErr = errors.Join(payment.ErrGateway, errors.New("timeout"))

	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9005"})
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.False(t, res.Processed)

	// the log row waits for replay; once the provider answers it completes
	f.gw.fetchErr = nil
	f.gw.pay("9005", co.OrderRef, model.PurchaseApproved)
	f.clock.Advance(2 * time.Minute)
	replayed, err := f.rec.ReplayPending(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.True(t, replayed[0].Processed)

	logs, err := f.st.Webhooks.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Processed)
	assert.Equal(t, 2, logs[0].Attempts)
}

func TestNonPaymentNotificationIsOnlyLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "merchant_order", Ref: "55", Payload: `{}`})
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Zero(t, f.gw.fetches)

	logs, err := f.st.Webhooks.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "merchant_order", logs[0].Kind)
}

func TestUnknownPaymentIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.gw.pay("404", "nobody", model.PurchaseApproved)
	res, err := f.rec.HandleNotification(context.Background(), Notification{Kind: "payment", Ref: "404"})
	require.NoError(t, err)
	assert.False(t, res.Processed)
}

func TestRecoveryFromNotificationMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPrize(t, 10)
	pay := f.gw.pay("9100", "order-x", model.PurchaseApproved)
	pay.Metadata = &payment.Metadata{PrizeID: p.ID, Quantity: 1, Email: "late@x.com"}

	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9100"})
	require.NoError(t, err)
	assert.True(t, res.Processed)

	pu, err := f.ledger.Purchase(ctx, "9100")
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseApproved, pu.Status)
	assert.Equal(t, []int{1}, pu.Numbers, "unassigned purchase claims the lowest number")
	f.requireCounters(t, p.ID)
}

func TestSettlementFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPrize(t, 2)
	pu, err := f.ledger.Open(ctx, OpenRequest{PrizeID: p.ID, Email: "a@x.com", Quantity: 1})
	require.NoError(t, err)
	_, err = f.st.DB.ExecContext(ctx, `UPDATE ticket_numbers SET state = 'sold', purchase_id = 500 WHERE prize_id = ?`, p.ID)
	require.NoError(t, err)
	f.gw.pay("9200", pu.OrderRef, model.PurchaseApproved)

	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9200"})
	require.NoError(t, err)
	assert.False(t, res.Processed)

	got, err := f.ledger.Purchase(ctx, pu.OrderRef)
	require.NoError(t, err)
	assert.Equal(t, model.PurchasePending, got.Status)
	assert.Zero(t, f.pub.count())
}

func TestApprovalAfterCancellationRaisesAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.newPrize(t, 5)
	pu, err := f.ledger.Open(ctx, OpenRequest{PrizeID: p.ID, Email: "a@x.com", Numbers: []int{4}})
	require.NoError(t, err)
	_, err = f.ledger.ApplyOutcome(ctx, Outcome{OrderRef: pu.OrderRef, Status: model.PurchaseCancelled})
	require.NoError(t, err)

	f.gw.pay("9400", pu.OrderRef, model.PurchaseApproved)
	res, err := f.rec.HandleNotification(ctx, Notification{Kind: "payment", Ref: "9400"})
	require.NoError(t, err, "no redelivery for a closed purchase")
	assert.False(t, res.Processed)
	assert.Contains(t, res.Error, "purchase closed")
	assert.Zero(t, f.pub.count())
	assert.Equal(t, model.TicketAvailable, f.states(t, p.ID)[4])

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `raffle_reconcile_alerts_total{reason="purchase_closed"}`)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, co := laptopCheckout(t, f)

	_, err := f.rec.Verify(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// no payment yet: the provider does not know the checkout reference
	v, err := f.rec.Verify(ctx, co.CheckoutRef)
	require.NoError(t, err)
	assert.Equal(t, "local", v.Source)
	assert.Equal(t, model.PurchasePending, v.Purchase.Status)

	f.gw.pay("9300", co.OrderRef, model.PurchaseApproved)
	v, err = f.rec.Verify(ctx, "9300")
	assert.ErrorIs(t, err, ErrNotFound, "an unknown payment id is not a local purchase")

	_, err = f.ledger.ApplyOutcome(ctx, Outcome{PaymentRef: "9300", OrderRef: co.OrderRef, Status: model.PurchasePending})
	require.NoError(t, err)
	v, err = f.rec.Verify(ctx, co.OrderRef)
	require.NoError(t, err)
	assert.Equal(t, "provider", v.Source)
	assert.Equal(t, model.PurchaseApproved, v.Purchase.Status)

	f.gw.fetchErr = payment.ErrGateway
	v, err = f.rec.Verify(ctx, "9300")
	require.NoError(t, err)
	assert.Equal(t, "local", v.Source)
	assert.Equal(t, model.PurchaseApproved, v.Purchase.Status)
}

func TestVerifyReturnAppliesPaymentBeforeNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, co := laptopCheckout(t, f)

	f.gw.pay("9300", co.OrderRef, model.PurchaseApproved)
	v, err := f.rec.VerifyReturn(ctx, "9300", co.OrderRef)
	require.NoError(t, err)
	assert.Equal(t, "provider", v.Source)
	assert.Equal(t, model.PurchaseApproved, v.Purchase.Status)
	require.NotNil(t, v.Purchase.PaymentRef)
	assert.Equal(t, "9300", *v.Purchase.PaymentRef)
	assert.Equal(t, 1, f.pub.count())

	counts, err := f.pool.Counts(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Reserved)
	assert.Equal(t, len(v.Purchase.Numbers), counts.Sold)
	f.requireCounters(t, p.ID)

	// now stored, the payment id alone is enough
	v, err = f.rec.VerifyReturn(ctx, "9300", "")
	require.NoError(t, err)
	assert.Equal(t, "provider", v.Source)

	_, err = f.rec.VerifyReturn(ctx, "9301", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(payment.ErrGateway))
	assert.True(t, Retryable(errors.New("database is locked")))
	assert.False(t, Retryable(ErrStateConflict))
	assert.False(t, Retryable(ErrNotFound))
	assert.False(t, Retryable(&SettlementError{PurchaseID: 1, Err: ErrInsufficientAvailability}))
	assert.False(t, Retryable(invalid("ref", "required")))
}
