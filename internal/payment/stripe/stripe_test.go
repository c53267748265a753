package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/payment"
)

type fakeStripe struct {
	mu              sync.Mutex
	idempotencyKeys []string
	itemAmount      string
	failSend        int // status code returned by /send when non-zero
}

func (f *fakeStripe) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.mu.Lock()
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			f.idempotencyKeys = append(f.idempotencyKeys, key)
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		write := func(v any) { _ = json.NewEncoder(w).Encode(v) }

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/customers":
			write(map[string]any{"object": "list", "url": "/v1/customers", "has_more": false, "data": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/customers":
			assert.Equal(t, "sub-1", r.Form.Get("metadata[subject_id]"))
			write(map[string]any{"id": "cus_1", "object": "customer", "email": r.Form.Get("email")})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/invoices":
			assert.Equal(t, "send_invoice", r.Form.Get("collection_method"))
			assert.Equal(t, "3", r.Form.Get("days_until_due"))
			write(map[string]any{"id": "in_1", "object": "invoice", "status": "draft"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/invoiceitems":
			f.mu.Lock()
			f.itemAmount = r.Form.Get("amount")
			f.mu.Unlock()
			write(map[string]any{"id": "ii_1", "object": "invoiceitem"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/invoices/in_1/send":
			if f.failSend != 0 {
				w.WriteHeader(f.failSend)
				write(map[string]any{"error": map[string]any{"type": "api_error", "message": "unavailable"}})
				return
			}
			write(map[string]any{
				"id": "in_1", "object": "invoice", "status": "open",
				"due_date": time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC).Unix(),
				"hosted_invoice_url": "https://pay.example/in_1",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/invoices/in_1":
			write(map[string]any{"id": "in_1", "object": "invoice", "status": "paid"})
		default:
			w.WriteHeader(http.StatusNotFound)
			write(map[string]any{"error": map[string]any{"type": "invalid_request_error", "message": "no such route " + r.URL.Path}})
		}
	}
}

func setupProcessor(t *testing.T, f *fakeStripe) *Processor {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	p, err := New(Config{SecretKey: "sk_test_123", BackendURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func invoiceRequest() payment.InvoiceRequest {
	return payment.InvoiceRequest{
		IdempotencyKey: "inv-42",
		Customer:       payment.Customer{SubjectID: "sub-1", Email: "a@example.com", Name: "A"},
		Amount:         decimal.RequireFromString("12.345"),
		Currency:       "usd",
		Description:    "Usage for 2026-09",
		DaysUntilDue:   3,
	}
}

func TestSendInvoice(t *testing.T) {
	f := &fakeStripe{}
	p := setupProcessor(t, f)

	sent, err := p.SendInvoice(context.Background(), invoiceRequest())
	require.NoError(t, err)

	assert.Equal(t, "in_1", sent.ExternalID)
	assert.Equal(t, "https://pay.example/in_1", sent.HostedURL)
	assert.Equal(t, time.Date(2026, 10, 4, 0, 0, 0, 0, time.UTC), sent.DueAt)
	assert.Equal(t, "1235", f.itemAmount)
	assert.Subset(t, f.idempotencyKeys, []string{"customer-sub-1", "inv-42-invoice", "inv-42-item", "inv-42-send"})
}

func TestSendInvoice_ServerErrorIsTransient(t *testing.T) {
	f := &fakeStripe{failSend: http.StatusServiceUnavailable}
	p := setupProcessor(t, f)

	_, err := p.SendInvoice(context.Background(), invoiceRequest())
	require.Error(t, err)
	assert.True(t, payment.IsTransient(err))
}

func TestSendInvoice_ClientErrorIsPermanent(t *testing.T) {
	f := &fakeStripe{failSend: http.StatusBadRequest}
	p := setupProcessor(t, f)

	_, err := p.SendInvoice(context.Background(), invoiceRequest())
	require.Error(t, err)
	assert.False(t, payment.IsTransient(err))
}

func TestSendInvoice_RequiresIdempotencyKey(t *testing.T) {
	p := setupProcessor(t, &fakeStripe{})
	req := invoiceRequest()
	req.IdempotencyKey = ""
	_, err := p.SendInvoice(context.Background(), req)
	assert.Error(t, err)
}

func TestInvoiceStatus(t *testing.T) {
	p := setupProcessor(t, &fakeStripe{})
	status, err := p.InvoiceStatus(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPaid, status)
}

func TestParseInvoiceEvent(t *testing.T) {
	const secret = "whsec_test"
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","created":1790000000,"api_version":"2020-08-27","data":{"object":{"id":"in_1","object":"invoice","status":"paid"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})

	ev, ok, err := ParseInvoiceEvent(payload, signed.Header, secret)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "in_1", ev.ExternalID)
	assert.Equal(t, payment.StatusPaid, ev.Status)

	_, _, err = ParseInvoiceEvent(payload, signed.Header, "whsec_other")
	assert.Error(t, err)

	unsigned := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: ""})
	_, _, err = ParseInvoiceEvent(payload, unsigned.Header, "")
	assert.ErrorContains(t, err, "webhook secret is not configured")

	other := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	signed = webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: other, Secret: secret})
	_, ok, err = ParseInvoiceEvent(other, signed.Header, secret)
	require.NoError(t, err)
	assert.False(t, ok)
}
