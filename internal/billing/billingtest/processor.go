package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vnmchuo/usage-gateway/internal/payment"
)

// Processor is a scripted payment.Processor. It dedupes SendInvoice on the
// idempotency key the way a real processor does.
type Processor struct {
	mu   sync.Mutex
	sent map[string]*payment.SentInvoice
	// Requests records every SendInvoice call, including failed ones.
	Requests []payment.InvoiceRequest
	// Fail, when set, is consulted before every send.
	Fail     func(req payment.InvoiceRequest, attempt int) error
	Statuses map[string]payment.Status
	DueAt    time.Time
}

func NewProcessor() *Processor {
	return &Processor{
		sent:     map[string]*payment.SentInvoice{},
		Statuses: map[string]payment.Status{},
	}
}

func (p *Processor) SendInvoice(_ context.Context, req payment.InvoiceRequest) (*payment.SentInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.Fail != nil {
		if err := p.Fail(req, len(p.Requests)); err != nil {
			return nil, err
		}
	}
	if s, ok := p.sent[req.IdempotencyKey]; ok {
		return s, nil
	}
	s := &payment.SentInvoice{
		ExternalID: fmt.Sprintf("in_%d", len(p.sent)+1),
		HostedURL:  fmt.Sprintf("https://pay.example.com/in_%d", len(p.sent)+1),
		DueAt:      p.DueAt,
	}
	p.sent[req.IdempotencyKey] = s
	p.Statuses[s.ExternalID] = payment.StatusOpen
	return s, nil
}

func (p *Processor) InvoiceStatus(_ context.Context, externalID string) (payment.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.Statuses[externalID]
	if !ok {
		return "", &payment.Error{Op: "retrieve invoice", StatusCode: 404, Err: fmt.Errorf("no such invoice %s", externalID)}
	}
	return st, nil
}

func (p *Processor) SetStatus(externalID string, st payment.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Statuses[externalID] = st
}

// Created is the number of distinct invoices the processor holds.
func (p *Processor) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *Processor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
