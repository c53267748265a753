package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/vnmchuo/usage-gateway/internal/payment"
)

// InvoiceEvent is the part of an invoice webhook the billing engine acts on.
type InvoiceEvent struct {
	Type       string
	ExternalID string
	Status     payment.Status
	At         time.Time
}

// ParseInvoiceEvent verifies the Stripe-Signature header and decodes invoice
// events. ok is false for event types that are not about invoices.
func ParseInvoiceEvent(payload []byte, signature, secret string) (ev *InvoiceEvent, ok bool, err error) {
	if secret == "" {
		return nil, false, errors.New("stripe: webhook secret is not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("stripe: verify webhook: %w", err)
	}

	switch event.Type {
	case "invoice.paid", "invoice.payment_succeeded", "invoice.voided", "invoice.marked_uncollectible":
	default:
		return nil, false, nil
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, false, fmt.Errorf("stripe: decode invoice event: %w", err)
	}
	status, err := mapStatus(inv.Status)
	if err != nil {
		return nil, false, err
	}
	return &InvoiceEvent{
		Type:       string(event.Type),
		ExternalID: inv.ID,
		Status:     status,
		At:         time.Unix(event.Created, 0).UTC(),
	}, true, nil
}
