package payment

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerProcessor trips after consecutive processor failures so a billing
// run stops hammering an unavailable API.
type BreakerProcessor struct {
	next Processor
	cb   *gobreaker.CircuitBreaker
}

func WithBreaker(name string, next Processor) *BreakerProcessor {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Permanent rejections (bad request, card declined) say nothing
		// about the processor's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	}
	return &BreakerProcessor{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerProcessor) SendInvoice(ctx context.Context, req InvoiceRequest) (*SentInvoice, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.SendInvoice(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*SentInvoice), nil
}

func (b *BreakerProcessor) InvoiceStatus(ctx context.Context, externalID string) (Status, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.InvoiceStatus(ctx, externalID)
	})
	if err != nil {
		return "", err
	}
	return result.(Status), nil
}

func (b *BreakerProcessor) State() gobreaker.State {
	return b.cb.State()
}
