// Package payment is the boundary to the external invoice processor.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

type Customer struct {
	SubjectID string
	Email     string
	Name      string
}

type InvoiceRequest struct {
	// IdempotencyKey is stable across retries of the same local invoice.
	IdempotencyKey string
	Customer       Customer
	Amount         decimal.Decimal
	Currency       string
	Description    string
	DaysUntilDue   int
	Metadata       map[string]string
}

type SentInvoice struct {
	ExternalID string
	HostedURL  string
	DueAt      time.Time
}

type Status string

const (
	StatusDraft         Status = "draft"
	StatusOpen          Status = "open"
	StatusPaid          Status = "paid"
	StatusVoid          Status = "void"
	StatusUncollectible Status = "uncollectible"
)

type Processor interface {
	// SendInvoice creates, finalizes and sends one invoice.
	SendInvoice(ctx context.Context, req InvoiceRequest) (*SentInvoice, error)
	InvoiceStatus(ctx context.Context, externalID string) (Status, error)
}

// Error is a processor failure. Transient failures are worth retrying.
type Error struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a network failure, a 5xx or 429 from
// the processor, or an open circuit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// TransientStatus classifies an HTTP status from the processor.
func TransientStatus(code int) bool {
	return code == 429 || code >= 500
}

// ToMinorUnits converts amount to cents, rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("payment processor not configured")

// Disabled rejects every call. The gateway uses it when no processor
// credentials are set so that guard traffic still runs.
type Disabled struct{}

func (Disabled) SendInvoice(context.Context, InvoiceRequest) (*SentInvoice, error) {
	return nil, &Error{Op: "send invoice", Err: ErrNotConfigured}
}

func (Disabled) InvoiceStatus(context.Context, string) (Status, error) {
	return "", &Error{Op: "retrieve invoice", Err: ErrNotConfigured}
}
