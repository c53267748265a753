// Package stripe sends usage invoices through the Stripe API.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/payment"
)

type Config struct {
	SecretKey string
	// BackendURL overrides the API base URL. Used by tests.
	BackendURL string
}

type Processor struct {
	api    *client.API
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Processor, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}

	// Retries are owned by the invoice dispatcher.
	bc := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Sugar(),
	}
	if cfg.BackendURL != "" {
		bc.URL = stripe.String(cfg.BackendURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, bc),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, bc),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
	}

	return &Processor{api: client.New(cfg.SecretKey, backends), logger: logger}, nil
}

func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &payment.Error{
			Op:         op,
			StatusCode: se.HTTPStatusCode,
			Transient:  payment.TransientStatus(se.HTTPStatusCode),
			Err:        err,
		}
	}
	// No API response at all: network failure or timeout.
	return &payment.Error{Op: op, Transient: true, Err: err}
}

func (p *Processor) customer(ctx context.Context, c payment.Customer) (*stripe.Customer, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(c.Email)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)

	iter := p.api.Customers.List(listParams)
	if iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, classify("list customers", err)
	}

	params := &stripe.CustomerParams{
		Email: stripe.String(c.Email),
		Name:  stripe.String(c.Name),
	}
	params.Context = ctx
	params.AddMetadata("subject_id", c.SubjectID)
	params.SetIdempotencyKey("customer-" + c.SubjectID)

	cust, err := p.api.Customers.New(params)
	if err != nil {
		return nil, classify("create customer", err)
	}
	p.logger.Info("created stripe customer",
		zap.String("subject_id", c.SubjectID),
		zap.String("customer_id", cust.ID))
	return cust, nil
}

// SendInvoice creates a send_invoice invoice with one line carrying the
// whole amount, then sends it. Every call derives its idempotency key from
// req.IdempotencyKey so a retried dispatch never bills twice.
func (p *Processor) SendInvoice(ctx context.Context, req payment.InvoiceRequest) (*payment.SentInvoice, error) {
	if req.IdempotencyKey == "" {
		return nil, errors.New("stripe: idempotency key is required")
	}
	cust, err := p.customer(ctx, req.Customer)
	if err != nil {
		return nil, err
	}

	invParams := &stripe.InvoiceParams{
		Customer:                    stripe.String(cust.ID),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:                stripe.Int64(int64(req.DaysUntilDue)),
		Currency:                    stripe.String(req.Currency),
		Description:                 stripe.String(req.Description),
		AutoAdvance:                 stripe.Bool(false),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
	}
	invParams.Context = ctx
	invParams.SetIdempotencyKey(req.IdempotencyKey + "-invoice")
	for k, v := range req.Metadata {
		invParams.AddMetadata(k, v)
	}
	inv, err := p.api.Invoices.New(invParams)
	if err != nil {
		return nil, classify("create invoice", err)
	}

	itemParams := &stripe.InvoiceItemParams{
		Customer:    stripe.String(cust.ID),
		Invoice:     stripe.String(inv.ID),
		Amount:      stripe.Int64(payment.ToMinorUnits(req.Amount)),
		Currency:    stripe.String(req.Currency),
		Description: stripe.String(req.Description),
	}
	itemParams.Context = ctx
	itemParams.SetIdempotencyKey(req.IdempotencyKey + "-item")
	if _, err := p.api.InvoiceItems.New(itemParams); err != nil {
		return nil, classify("create invoice item", err)
	}

	sendParams := &stripe.InvoiceSendInvoiceParams{}
	sendParams.Context = ctx
	sendParams.SetIdempotencyKey(req.IdempotencyKey + "-send")
	sent, err := p.api.Invoices.SendInvoice(inv.ID, sendParams)
	if err != nil {
		return nil, classify("send invoice", err)
	}

	out := &payment.SentInvoice{ExternalID: sent.ID, HostedURL: sent.HostedInvoiceURL}
	if sent.DueDate > 0 {
		out.DueAt = time.Unix(sent.DueDate, 0).UTC()
	}
	return out, nil
}

func (p *Processor) InvoiceStatus(ctx context.Context, externalID string) (payment.Status, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := p.api.Invoices.Get(externalID, params)
	if err != nil {
		return "", classify("get invoice", err)
	}
	return mapStatus(inv.Status)
}

func mapStatus(s stripe.InvoiceStatus) (payment.Status, error) {
	switch s {
	case stripe.InvoiceStatusDraft:
		return payment.StatusDraft, nil
	case stripe.InvoiceStatusOpen:
		return payment.StatusOpen, nil
	case stripe.InvoiceStatusPaid:
		return payment.StatusPaid, nil
	case stripe.InvoiceStatusVoid:
		return payment.StatusVoid, nil
	case stripe.InvoiceStatusUncollectible:
		return payment.StatusUncollectible, nil
	default:
		return "", fmt.Errorf("stripe: unknown invoice status %q", s)
	}
}
