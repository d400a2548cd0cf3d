package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/iliyamo/raffle-ticketing/internal/config"
	"github.com/iliyamo/raffle-ticketing/internal/handler"
	"github.com/iliyamo/raffle-ticketing/internal/logging"
	"github.com/iliyamo/raffle-ticketing/internal/middleware"
	"github.com/iliyamo/raffle-ticketing/internal/model"
	"github.com/iliyamo/raffle-ticketing/internal/payment"
	"github.com/iliyamo/raffle-ticketing/internal/raffle"
	"github.com/iliyamo/raffle-ticketing/internal/router"
	"github.com/iliyamo/raffle-ticketing/internal/testutil"
	"github.com/iliyamo/raffle-ticketing/internal/utils"
)

// fakeMP stands in for the provider's REST API.
type fakeMP struct {
	mu       sync.Mutex
	prefs    []string // external references of created preferences
	payments map[string]string
	down     bool
}

func (m *fakeMP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		http.Error(w, `{"message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/checkout/preferences":
		body, _ := io.ReadAll(r.Body)
		m.prefs = append(m.prefs, gjson.GetBytes(body, "external_reference").String())
		id := fmt.Sprintf("pref-%d", len(m.prefs))
		fmt.Fprintf(w, `{"id":%q,"init_point":"https://mp.example/checkout/%s"}`, id, id)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/payments/"):
		raw, ok := m.payments[strings.TrimPrefix(r.URL.Path, "/v1/payments/")]
		if !ok {
			http.Error(w, `{"message":"resource not found"}`, http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, raw)
	default:
		http.NotFound(w, r)
	}
}

func (m *fakeMP) pay(id, orderRef, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[id] = fmt.Sprintf(`{"id":%s,"status":%q,"status_detail":"accredited","external_reference":%q}`, id, status, orderRef)
}

func (m *fakeMP) setDown(v bool) {
	m.mu.Lock()
	m.down = v
	m.mu.Unlock()
}

type app struct {
	e      *echo.Echo
	mp     *fakeMP
	pool   *raffle.Pool
	cfg    config.Config
	purged int
}

const webhookSecret = "whsec"

func newApp(t *testing.T, secret string) *app {
	t.Helper()
	mp := &fakeMP{payments: map[string]string{}}
	srv := httptest.NewServer(mp)
	t.Cleanup(srv.Close)

	hash, err := utils.HashPassword("s3cret", 4)
	require.NoError(t, err)
	cfg := config.Config{
		JWTSecret:    "jwt-test",
		AccessTTLMin: 5,
		Admin:        config.AdminConfig{User: "admin", PasswordHash: hash},
	}

	st := raffle.NewStore(testutil.NewDB(t))
	opts := []raffle.Option{raffle.WithLogger(logging.Discard())}
	gw := payment.NewMercadoPago(srv.URL, "TEST-token", 2*time.Second)
	pool := raffle.NewPool(st, opts...)
	res := raffle.NewReservations(st, opts...)
	ledger := raffle.NewLedger(st, res, opts...)
	co := raffle.NewCheckout(st, ledger, gw, raffle.CheckoutConfig{PublicBaseURL: "https://rifas.example"}, opts...)
	rec := raffle.NewReconciler(st, ledger, gw, nil, opts...)
	draws := raffle.NewDraws(st, nil, opts...)

	a := &app{e: echo.New(), mp: mp, pool: pool, cfg: cfg}
	a.e.Validator = middleware.NewRequestValidator()
	router.RegisterRoutes(a.e, st.DB)
	router.RegisterAuth(a.e, handler.NewAuthHandler(cfg), nil)
	router.RegisterPublic(a.e, handler.NewPublicHandler(pool), nil)
	router.RegisterBuyer(a.e,
		handler.NewReservationHandler(res),
		handler.NewCheckoutHandler(co, rec),
		handler.NewWebhookHandler(rec, secret, logging.Discard()),
		router.Limits{})
	router.RegisterAdmin(a.e, &handler.AdminHandler{
		Pool: pool, Ledger: ledger, Rec: rec, Draws: draws, Webhooks: st.Webhooks,
		Purge: func(context.Context) { a.purged++ },
	}, cfg.JWTSecret)
	return a
}

func (a *app) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *app) prize(t *testing.T, total int) *model.Prize {
	t.Helper()
	p, err := a.pool.CreatePrize(context.Background(), raffle.PrizeInput{
		Name: "Laptop", Price: decimal.RequireFromString("1500.50"), TotalNumbers: total,
	})
	require.NoError(t, err)
	return p
}

func (a *app) login(t *testing.T) string {
	t.Helper()
	rec := a.do(http.MethodPost, "/v1/admin/login", `{"user":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tok := gjson.Get(rec.Body.String(), "access.token").String()
	require.NotEmpty(t, tok)
	return tok
}

func TestHealthAndMetrics(t *testing.T) {
	a := newApp(t, "")
	rec := a.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = a.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPublicCatalogue(t *testing.T) {
	a := newApp(t, "")
	p := a.prize(t, 5)

	rec := a.do(http.MethodGet, "/api/prizes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Laptop", gjson.Get(rec.Body.String(), "prizes.0.name").String())

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/prizes/%d/numbers?state=available", p.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "numbers").Array(), 5)
	assert.NotContains(t, rec.Body.String(), "email")

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/prizes/%d/counts", p.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"available":5,"reserved":0,"sold":0,"total":5}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, fmt.Sprintf("/api/prizes/%d/numbers?state=lost", p.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/api/prizes/999/counts", "").Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/api/prizes/abc/counts", "").Code)
}

func TestReserveConflictAndCancel(t *testing.T) {
	a := newApp(t, "")
	p := a.prize(t, 10)

	rec := a.do(http.MethodPost, "/api/reservations", fmt.Sprintf(`{"prize_id":%d,"numbers":[3,7],"email":"a@x.com","ttl_seconds":600}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `[3,7]`, gjson.Get(rec.Body.String(), "numbers").Raw)

	rec = a.do(http.MethodPost, "/api/reservations", fmt.Sprintf(`{"prize_id":%d,"numbers":[7,9],"email":"b@x.com"}`, p.ID))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `[7]`, gjson.Get(rec.Body.String(), "unavailable").Raw)

	rec = a.do(http.MethodDelete, "/api/reservations", fmt.Sprintf(`{"prize_id":%d,"numbers":[3,7],"email":"b@x.com"}`, p.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, gjson.Get(rec.Body.String(), "released").Int(), "another email cannot release")

	rec = a.do(http.MethodDelete, "/api/reservations", fmt.Sprintf(`{"prize_id":%d,"numbers":[3,7],"email":"a@x.com"}`, p.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, gjson.Get(rec.Body.String(), "released").Int())

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/reservations", `{"prize_id":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/api/reservations", `{not json`).Code)
}

func TestCheckoutWebhookAndReturnPage(t *testing.T) {
	a := newApp(t, "")
	p := a.prize(t, 10)

	rec := a.do(http.MethodPost, "/api/checkout", fmt.Sprintf(`{"prize_id":%d,"email":"a@x.com","name":"Ana","numbers":[3,7]}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := gjson.Parse(rec.Body.String())
	orderRef := body.Get("order_ref").String()
	assert.Equal(t, "pref-1", body.Get("checkout_ref").String())
	assert.Equal(t, "https://mp.example/checkout/pref-1", body.Get("redirect_url").String())
	require.Equal(t, []string{orderRef}, a.mp.prefs)

	a.mp.pay("9001", orderRef, "approved")
	rec = a.do(http.MethodPost, "/api/webhook", `{"type":"payment","action":"payment.updated","data":{"id":"9001"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, gjson.Get(rec.Body.String(), "processed").Bool())
	assert.Equal(t, "approved", gjson.Get(rec.Body.String(), "status").String())

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/prizes/%d/counts", p.ID), "")
	assert.JSONEq(t, `{"available":8,"reserved":0,"sold":2,"total":10}`, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/payments/9001/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", gjson.Get(rec.Body.String(), "purchase.status").String())
	assert.Equal(t, "provider", gjson.Get(rec.Body.String(), "source").String())

	rec = a.do(http.MethodGet, "/success?payment_id=9001&external_reference="+orderRef, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", gjson.Get(rec.Body.String(), "outcome").String())
	assert.Equal(t, `[3,7]`, gjson.Get(rec.Body.String(), "purchase.numbers").Raw)

	rec = a.do(http.MethodGet, "/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"outcome":"pending"}`, rec.Body.String())
}

func TestWebhookQueryFormAndRedelivery(t *testing.T) {
	a := newApp(t, "")
	p := a.prize(t, 4)
	rec := a.do(http.MethodPost, "/api/checkout", fmt.Sprintf(`{"prize_id":%d,"email":"a@x.com","quantity":2}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	orderRef := gjson.Get(rec.Body.String(), "order_ref").String()

	// provider cannot be reached: ask for redelivery
	a.mp.setDown(true)
	rec = a.do(http.MethodPost, "/api/webhook?topic=payment&id=77", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	a.mp.setDown(false)
	a.mp.pay("77", orderRef, "rejected")
	rec = a.do(http.MethodPost, "/api/webhook?type=payment&data.id=77", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rejected", gjson.Get(rec.Body.String(), "status").String())

	rec = a.do(http.MethodPost, "/api/webhook", `{"type":"merchant_order","data":{"id":"5"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "processed").Bool())

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/prizes/%d/counts", p.ID), "")
	assert.JSONEq(t, `{"available":4,"reserved":0,"sold":0,"total":4}`, rec.Body.String())
}

func TestWebhookSignature(t *testing.T) {
	a := newApp(t, webhookSecret)
	a.mp.pay("42", "no-such-order", "approved")
	body := `{"type":"payment","data":{"id":"42"}}`

	rec := a.do(http.MethodPost, "/api/webhook?data.id=42", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sig := payment.Sign(webhookSecret, "req-1", "42", "1700000000")
	rec = a.do(http.MethodPost, "/api/webhook?data.id=42", body, "x-signature", sig, "x-request-id", "req-1")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/webhook?data.id=42", body, "x-signature", sig, "x-request-id", "req-2")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// refused notifications are still on record, never as payments
	rec = a.do(http.MethodGet, "/v1/admin/webhooks", "", "Authorization", "Bearer "+a.login(t))
	require.Equal(t, http.StatusOK, rec.Code)
	logs := gjson.Get(rec.Body.String(), "webhooks").Array()
	require.Len(t, logs, 3)
	assert.Equal(t, []string{"invalid_signature", "payment", "invalid_signature"},
		[]string{logs[0].Get("kind").String(), logs[1].Get("kind").String(), logs[2].Get("kind").String()})
	assert.Equal(t, "42", logs[0].Get("external_ref").String())
	assert.False(t, logs[0].Get("processed").Bool())
	assert.Contains(t, logs[0].Get("error").String(), "invalid signature")
	assert.JSONEq(t, body, logs[0].Get("payload").String())
}

func TestReturnPageSettlesBeforeWebhook(t *testing.T) {
	a := newApp(t, "")
	p := a.prize(t, 10)
	rec := a.do(http.MethodPost, "/api/checkout", fmt.Sprintf(`{"prize_id":%d,"email":"a@x.com","numbers":[3,7]}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	orderRef := gjson.Get(rec.Body.String(), "order_ref").String()

	// the buyer lands on the return page before any notification
	a.mp.pay("9300", orderRef, "approved")
	rec = a.do(http.MethodGet, "/success?collection_id=9300&payment_id=9300&external_reference="+orderRef, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := gjson.Parse(rec.Body.String())
	assert.Equal(t, "provider", body.Get("source").String())
	assert.Equal(t, "approved", body.Get("purchase.status").String())
	assert.Equal(t, "9300", body.Get("purchase.payment_ref").String())

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/prizes/%d/counts", p.ID), "")
	assert.JSONEq(t, `{"available":8,"reserved":0,"sold":2,"total":10}`, rec.Body.String())

	// an id the provider does not know falls back to the stored purchase
	rec = a.do(http.MethodGet, "/error?payment_id=8888&external_reference="+orderRef, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "local", gjson.Get(rec.Body.String(), "source").String())
	assert.Equal(t, "approved", gjson.Get(rec.Body.String(), "purchase.status").String())

	rec = a.do(http.MethodGet, "/success?payment_id=8888&external_reference=nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutGatewayFailureReleasesNumbers(t *testing.T) {
	a := newApp(t, "")
	p := a.prize(t, 5)
	a.mp.setDown(true)

	rec := a.do(http.MethodPost, "/api/checkout", fmt.Sprintf(`{"prize_id":%d,"email":"a@x.com","numbers":[1,2]}`, p.ID))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = a.do(http.MethodGet, fmt.Sprintf("/api/prizes/%d/counts", p.ID), "")
	assert.JSONEq(t, `{"available":5,"reserved":0,"sold":0,"total":5}`, rec.Body.String())

	rec = a.do(http.MethodPost, "/api/checkout", `{"prize_id":999,"email":"a@x.com","quantity":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminLogin(t *testing.T) {
	a := newApp(t, "")
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/v1/admin/login", `{"user":"admin","password":"nope"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodPost, "/v1/admin/login", `{"user":"root","password":"s3cret"}`).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPost, "/v1/admin/login", `{"user":"admin"}`).Code)
	assert.NotEmpty(t, a.login(t))

	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/v1/admin/stats", "").Code)
}

func TestAdminPrizeLifecycleAndDraw(t *testing.T) {
	a := newApp(t, "")
	auth := []string{"Authorization", "Bearer " + a.login(t)}

	rec := a.do(http.MethodPost, "/v1/admin/prizes", `{"name":"Bike","price":"250.00","total_numbers":20}`, auth...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := gjson.Get(rec.Body.String(), "id").Uint()
	assert.EqualValues(t, 20, gjson.Get(rec.Body.String(), "stock").Int())
	assert.Equal(t, 1, a.purged)

	rec = a.do(http.MethodPost, "/v1/admin/prizes", `{"name":"Bike","price":"-1","total_numbers":20}`, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPut, fmt.Sprintf("/v1/admin/prizes/%d", id), `{"name":"Bike XL","price":"300","active":false}`, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, gjson.Get(rec.Body.String(), "active").Bool())

	rec = a.do(http.MethodPost, fmt.Sprintf("/v1/admin/prizes/%d/draws", id), `{"winners":1}`, auth...)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "no sold numbers yet")

	p := a.prize(t, 6)
	rec = a.do(http.MethodPost, "/api/checkout", fmt.Sprintf(`{"prize_id":%d,"email":"a@x.com","numbers":[4,5]}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	a.mp.pay("501", gjson.Get(rec.Body.String(), "order_ref").String(), "approved")
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/api/webhook?topic=payment&id=501", "").Code)

	rec = a.do(http.MethodGet, fmt.Sprintf("/v1/admin/prizes/%d/eligibility", p.ID), "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `[4,5]`, gjson.Get(rec.Body.String(), "numbers").Raw)
	assert.EqualValues(t, 1, gjson.Get(rec.Body.String(), "participants").Int())

	rec = a.do(http.MethodPost, fmt.Sprintf("/v1/admin/prizes/%d/draws", p.ID), `{"winners":1,"method":"sistema_numeros"}`, auth...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 4, gjson.Get(rec.Body.String(), "winners.0.number").Int())
	assert.Equal(t, "ascending_number", gjson.Get(rec.Body.String(), "method").String())

	rec = a.do(http.MethodGet, fmt.Sprintf("/v1/admin/prizes/%d/draws", p.ID), "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "draws").Array(), 1)

	rec = a.do(http.MethodGet, fmt.Sprintf("/v1/admin/prizes/%d/numbers?state=sold", p.ID), "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "numbers").Array(), 2)

	assert.Equal(t, http.StatusConflict, a.do(http.MethodDelete, fmt.Sprintf("/v1/admin/prizes/%d", p.ID), "", auth...).Code)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, fmt.Sprintf("/v1/admin/prizes/%d", id), "", auth...).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, fmt.Sprintf("/v1/admin/prizes/%d", id), "", auth...).Code)
}

func TestAdminPurchasesStatsAndWebhooks(t *testing.T) {
	a := newApp(t, "")
	auth := []string{"Authorization", "Bearer " + a.login(t)}
	p := a.prize(t, 5)

	rec := a.do(http.MethodPost, "/api/checkout", fmt.Sprintf(`{"prize_id":%d,"email":"a@x.com","quantity":1}`, p.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	orderRef := gjson.Get(rec.Body.String(), "order_ref").String()

	a.mp.setDown(true)
	require.Equal(t, http.StatusInternalServerError, a.do(http.MethodPost, "/api/webhook?topic=payment&id=600", "").Code)
	a.mp.setDown(false)
	a.mp.pay("600", orderRef, "approved")

	rec = a.do(http.MethodGet, "/v1/admin/webhooks", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "webhooks.0.processed").Bool())

	rec = a.do(http.MethodPost, "/v1/admin/webhooks/replay", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, gjson.Get(rec.Body.String(), "processed").Int())

	rec = a.do(http.MethodGet, "/v1/admin/purchases/"+orderRef, "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", gjson.Get(rec.Body.String(), "status").String())
	assert.Equal(t, "600", gjson.Get(rec.Body.String(), "payment_ref").String())

	rec = a.do(http.MethodGet, "/v1/admin/purchases?limit=10", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "purchases").Array(), 1)

	rec = a.do(http.MethodGet, "/v1/admin/stats", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Numbers.Sold)
	assert.Equal(t, "1500.50", stats.ApprovedAmount.StringFixed(2))
}
