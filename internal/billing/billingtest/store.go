// Package billingtest provides in-memory billing fakes for tests.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/usage-gateway/internal/billing"
)

// InvoiceStore keeps invoices in memory and enforces the one active invoice
// per (subject, period) rule.
type InvoiceStore struct {
	mu       sync.Mutex
	invoices map[string]*billing.Invoice
	Now      func() time.Time
}

func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		invoices: map[string]*billing.Invoice{},
		Now:      time.Now,
	}
}

func (s *InvoiceStore) Create(_ context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeLocked(inv.SubjectID, inv.PeriodStart) != nil {
		return billing.ErrDuplicateInvoice
	}
	inv.ID = uuid.NewString()
	inv.CreatedAt = s.Now()
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *InvoiceStore) Get(_ context.Context, id string) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *InvoiceStore) GetByExternalID(_ context.Context, externalID string) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.ExternalInvoiceID == externalID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, billing.ErrInvoiceNotFound
}

func (s *InvoiceStore) Active(_ context.Context, subjectID string, periodStart time.Time) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.activeLocked(subjectID, periodStart)
	if inv == nil {
		return nil, billing.ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *InvoiceStore) activeLocked(subjectID string, periodStart time.Time) *billing.Invoice {
	for _, inv := range s.invoices {
		if inv.SubjectID == subjectID && inv.PeriodStart.Equal(periodStart) && inv.Status != billing.StatusFailed {
			return inv
		}
	}
	return nil
}

func (s *InvoiceStore) Update(_ context.Context, inv *billing.Invoice, expected billing.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.invoices[inv.ID]
	if !ok || stored.Status != expected {
		return billing.ErrStaleInvoice
	}
	if inv.Status != billing.StatusFailed {
		if other := s.activeLocked(inv.SubjectID, inv.PeriodStart); other != nil && other.ID != inv.ID {
			return billing.ErrDuplicateInvoice
		}
	}
	inv.UpdatedAt = s.Now()
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *InvoiceStore) ListByStatus(_ context.Context, status billing.Status, afterID string, limit int) ([]billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []billing.Invoice
	for _, inv := range s.invoices {
		if inv.Status == status && inv.ID > afterID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InvoiceStore) OldestOverdue(_ context.Context, subjectID string, now time.Time) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *billing.Invoice
	for _, inv := range s.invoices {
		if inv.SubjectID != subjectID || inv.Status != billing.StatusSent || inv.DueAt == nil || !inv.DueAt.Before(now) {
			continue
		}
		if oldest == nil || inv.DueAt.Before(*oldest.DueAt) {
			oldest = inv
		}
	}
	if oldest == nil {
		return nil, billing.ErrInvoiceNotFound
	}
	cp := *oldest
	return &cp, nil
}

// All returns a snapshot of every stored invoice ordered by id.
func (s *InvoiceStore) All() []billing.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]billing.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put stores inv as is, for seeding test state.
func (s *InvoiceStore) Put(inv billing.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = &inv
}
