package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrDuplicateInvoice means a non-failed invoice already exists for the
	// same subject and period.
	ErrDuplicateInvoice = errors.New("invoice already exists for subject and period")
	// ErrStaleInvoice means the invoice changed status under us.
	ErrStaleInvoice = errors.New("invoice status changed concurrently")
)

type Status string

const (
	StatusDraft  Status = "draft"
	StatusSent   Status = "sent"
	StatusPaid   Status = "paid"
	StatusFailed Status = "failed"
)

type Invoice struct {
	ID                string          `json:"id"`
	SubjectID         string          `json:"subject_id"`
	PeriodStart       time.Time       `json:"period_start"`
	PeriodEnd         time.Time       `json:"period_end"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            Status          `json:"status"`
	ExternalInvoiceID string          `json:"external_invoice_id,omitempty"`
	HostedURL         string          `json:"hosted_url,omitempty"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"last_error,omitempty"`
	DueAt             *time.Time      `json:"due_at,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// transitions lists the allowed status moves. failed -> draft is only taken
// by a manual retry.
var transitions = map[Status][]Status{
	StatusDraft:  {StatusSent, StatusFailed},
	StatusSent:   {StatusPaid, StatusFailed},
	StatusFailed: {StatusDraft},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves inv to status `to` in memory.
func (inv *Invoice) Transition(to Status) error {
	if !CanTransition(inv.Status, to) {
		return fmt.Errorf("invoice %s: illegal transition %s -> %s", inv.ID, inv.Status, to)
	}
	inv.Status = to
	return nil
}

type InvoiceStore interface {
	// Create inserts a draft. It returns ErrDuplicateInvoice when a
	// non-failed invoice exists for the same (subject, period).
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByExternalID(ctx context.Context, externalID string) (*Invoice, error)
	// Active returns the non-failed invoice for (subject, period).
	Active(ctx context.Context, subjectID string, periodStart time.Time) (*Invoice, error)
	// Update persists inv only if its stored status is still `expected`.
	Update(ctx context.Context, inv *Invoice, expected Status) error
	ListByStatus(ctx context.Context, status Status, afterID string, limit int) ([]Invoice, error)
	// OldestOverdue returns the oldest sent invoice of subjectID due before now.
	OldestOverdue(ctx context.Context, subjectID string, now time.Time) (*Invoice, error)
}
