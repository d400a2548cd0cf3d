package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// MercadoPago is a Gateway over the MercadoPago REST API.
type MercadoPago struct {
	BaseURL     string
	AccessToken string
	client      *http.Client
}

// NewMercadoPago creates a client.  A zero timeout defaults to 10s.
func NewMercadoPago(baseURL, accessToken string, timeout time.Duration) *MercadoPago {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MercadoPago{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		client:      &http.Client{Timeout: timeout},
	}
}

type preferenceItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	CategoryID  string  `json:"category_id"`
	Quantity    int     `json:"quantity"`
	CurrencyID  string  `json:"currency_id"`
	UnitPrice   float64 `json:"unit_price"`
}

type preferencePayer struct {
	Email string            `json:"email"`
	Name  string            `json:"name,omitempty"`
	Phone map[string]string `json:"phone,omitempty"`
}

type preferenceBody struct {
	Items               []preferenceItem  `json:"items"`
	Payer               preferencePayer   `json:"payer"`
	BackURLs            map[string]string `json:"back_urls"`
	AutoReturn          string            `json:"auto_return,omitempty"`
	NotificationURL     string            `json:"notification_url"`
	StatementDescriptor string            `json:"statement_descriptor,omitempty"`
	ExternalReference   string            `json:"external_reference"`
	Expires             bool              `json:"expires"`
	ExpirationDateFrom  string            `json:"expiration_date_from,omitempty"`
	ExpirationDateTo    string            `json:"expiration_date_to,omitempty"`
	Metadata            Metadata          `json:"metadata"`
}

// CreateCheckout creates a checkout preference and returns its id and the
// hosted checkout URL.
func (m *MercadoPago) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	body := preferenceBody{
		Payer: preferencePayer{Email: req.Payer.Email, Name: req.Payer.Name},
		BackURLs: map[string]string{
			"success": req.Redirects.Success,
			"failure": req.Redirects.Failure,
			"pending": req.Redirects.Pending,
		},
		AutoReturn:          "approved",
		NotificationURL:     req.NotificationURL,
		StatementDescriptor: req.StatementDescriptor,
		ExternalReference:   req.ExternalReference,
		Metadata:            req.Metadata,
	}
	if req.Payer.Phone != "" {
		body.Payer.Phone = map[string]string{"number": req.Payer.Phone}
	}
	for _, it := range req.Items {
		price, _ := it.UnitPrice.Float64()
		body.Items = append(body.Items, preferenceItem{
			ID: it.ID, Title: it.Title, Description: truncate(it.Description, 250), CategoryID: "entertainment",
			Quantity: it.Quantity, CurrencyID: it.Currency, UnitPrice: price,
		})
	}
	if !req.ExpiresAt.IsZero() {
		body.Expires = true
		body.ExpirationDateFrom = time.Now().UTC().Format(time.RFC3339)
		body.ExpirationDateTo = req.ExpiresAt.UTC().Format(time.RFC3339)
	}

	raw, err := m.do(ctx, http.MethodPost, "/checkout/preferences", body)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(raw)
	id := res.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("%w: preference response without id", ErrGateway)
	}
	return &CheckoutSession{ExternalRef: id, RedirectURL: res.Get("init_point").String()}, nil
}

// FetchPayment reads a payment by its provider id.
func (m *MercadoPago) FetchPayment(ctx context.Context, ref string) (*Payment, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty payment reference", ErrGateway)
	}
	raw, err := m.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, err
	}
	return ParsePayment(raw)
}

// ParsePayment decodes a payment resource.  Metadata is read from both the
// snake_case keys written at checkout and the provider's echo of them.
func ParsePayment(raw []byte) (*Payment, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: malformed payment payload", ErrGateway)
	}
	res := gjson.ParseBytes(raw)
	id := res.Get("id")
	if !id.Exists() {
		return nil, fmt.Errorf("%w: payment payload without id", ErrGateway)
	}
	providerStatus := res.Get("status").String()
	p := &Payment{
		ID:                id.String(),
		ProviderStatus:    providerStatus,
		Status:            MapStatus(providerStatus),
		StatusDetail:      res.Get("status_detail").String(),
		ExternalReference: res.Get("external_reference").String(),
		PayerEmail:        res.Get("payer.email").String(),
		RawPayload:        string(raw),
	}
	if amt := res.Get("transaction_amount"); amt.Exists() {
		if d, err := decimal.NewFromString(amt.Raw); err == nil {
			p.Amount = d
		}
	}
	p.Metadata = ParseMetadata(res.Get("metadata"))
	return p, nil
}

// ParseMetadata reads recovery metadata.  It returns nil unless a prize id
// and a positive quantity are present.
func ParseMetadata(meta gjson.Result) *Metadata {
	if !meta.Exists() || !meta.IsObject() {
		return nil
	}
	md := &Metadata{
		PrizeID:  meta.Get("prize_id").Uint(),
		Quantity: int(meta.Get("quantity").Int()),
		Email:    meta.Get("email").String(),
		OrderRef: meta.Get("order_ref").String(),
	}
	for _, n := range meta.Get("numbers").Array() {
		md.Numbers = append(md.Numbers, int(n.Int()))
	}
	if md.PrizeID == 0 || md.Quantity < 1 {
		return nil
	}
	return md
}

func (m *MercadoPago) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode request: %v", ErrGateway, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	req.Header.Set("Authorization", "Bearer "+m.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrGateway, method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = strconv.Quote(truncate(string(raw), 200))
		}
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrGateway, method, path, resp.StatusCode, msg)
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
