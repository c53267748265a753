package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
	"github.com/vnmchuo/usage-gateway/internal/directory"
	"github.com/vnmchuo/usage-gateway/internal/payment"
)

// Service ties aggregation, dispatch and payment tracking together.
type Service struct {
	aggregator *Aggregator
	dispatcher *Dispatcher
	invoices   InvoiceStore
	directory  directory.Directory
	processor  payment.Processor
	clock      quartz.Clock
	logger     *zap.Logger
}

func NewService(
	aggregator *Aggregator,
	dispatcher *Dispatcher,
	invoices InvoiceStore,
	dir directory.Directory,
	processor payment.Processor,
	clock quartz.Clock,
	logger *zap.Logger,
) *Service {
	return &Service{
		aggregator: aggregator,
		dispatcher: dispatcher,
		invoices:   invoices,
		directory:  dir,
		processor:  processor,
		clock:      clock,
		logger:     logger,
	}
}

func (s *Service) Aggregator() *Aggregator { return s.aggregator }

// BillSubject summarizes one subject's period and dispatches the invoice.
func (s *Service) BillSubject(ctx context.Context, subject directory.Subject, periodStart time.Time) (*DispatchResult, error) {
	summary, err := s.aggregator.Summarize(ctx, subject.ID, periodStart)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, summary, subject)
}

// RetryFailed moves a failed invoice back to draft and dispatches it again
// with a fresh summary.
func (s *Service) RetryFailed(ctx context.Context, id string) (*DispatchResult, error) {
	inv, err := s.getInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusFailed {
		return nil, apperr.Invalid("status", fmt.Sprintf("Invoice is %s, only failed invoices can be retried", inv.Status))
	}

	subject, err := s.directory.Subject(ctx, inv.SubjectID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, apperr.NotFound("subject", "Subject not found")
		}
		return nil, apperr.Storage("load subject", err)
	}

	active, err := s.invoices.Active(ctx, inv.SubjectID, inv.PeriodStart)
	if err == nil {
		return &DispatchResult{Invoice: active, Outcome: OutcomeExisting}, nil
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, apperr.Storage("load active invoice", err)
	}

	if err := inv.Transition(StatusDraft); err != nil {
		return nil, err
	}
	inv.LastError = ""
	if err := s.invoices.Update(ctx, inv, StatusFailed); err != nil {
		if errors.Is(err, ErrStaleInvoice) || errors.Is(err, ErrDuplicateInvoice) {
			return nil, apperr.Invalid("status", "Invoice changed concurrently, try again")
		}
		return nil, apperr.Storage("reset failed invoice", err)
	}
	s.logger.Info("retrying failed invoice", zap.String("invoice_id", inv.ID))

	res, err := s.BillSubject(ctx, *subject, inv.PeriodStart)
	if err != nil {
		return nil, apperr.Storage("bill subject", err)
	}
	return res, nil
}

// CheckInvoicePaymentStatus asks the processor about a sent invoice and
// records payment or cancellation. Other statuses are returned unchanged.
func (s *Service) CheckInvoicePaymentStatus(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.getInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusSent || inv.ExternalInvoiceID == "" {
		return inv, nil
	}

	status, err := s.processor.InvoiceStatus(ctx, inv.ExternalInvoiceID)
	if err != nil {
		if payment.IsTransient(err) {
			return nil, apperr.Transient("check invoice status", err)
		}
		return nil, err
	}
	return s.applyStatus(ctx, inv, status, s.clock.Now().UTC())
}

// ApplyPaymentStatus records a processor-pushed status for the invoice with
// the given external id. Unknown invoices are ignored.
func (s *Service) ApplyPaymentStatus(ctx context.Context, externalID string, status payment.Status, at time.Time) (*Invoice, error) {
	inv, err := s.invoices.GetByExternalID(ctx, externalID)
	if errors.Is(err, ErrInvoiceNotFound) {
		s.logger.Debug("payment event for unknown invoice", zap.String("external_id", externalID))
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("load invoice by external id", err)
	}
	if inv.Status != StatusSent {
		return inv, nil
	}
	return s.applyStatus(ctx, inv, status, at)
}

func (s *Service) applyStatus(ctx context.Context, inv *Invoice, status payment.Status, at time.Time) (*Invoice, error) {
	switch status {
	case payment.StatusPaid:
		inv.PaidAt = &at
		if err := inv.Transition(StatusPaid); err != nil {
			return nil, err
		}
	case payment.StatusVoid, payment.StatusUncollectible:
		inv.LastError = fmt.Sprintf("invoice %s at processor", status)
		if err := inv.Transition(StatusFailed); err != nil {
			return nil, err
		}
	default:
		return inv, nil
	}

	if err := s.invoices.Update(ctx, inv, StatusSent); err != nil {
		if errors.Is(err, ErrStaleInvoice) {
			return s.getInvoice(ctx, inv.ID)
		}
		return nil, apperr.Storage("update invoice status", err)
	}
	s.logger.Info("invoice payment status updated",
		zap.String("invoice_id", inv.ID),
		zap.String("status", string(inv.Status)))
	return inv, nil
}

// ReconcileOpen checks every sent invoice against the processor. Failures on
// one invoice are logged and do not stop the sweep.
func (s *Service) ReconcileOpen(ctx context.Context, pageSize int) (checked int, err error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	after := ""
	for {
		page, err := s.invoices.ListByStatus(ctx, StatusSent, after, pageSize)
		if err != nil {
			return checked, apperr.Storage("list sent invoices", err)
		}
		for i := range page {
			if ctx.Err() != nil {
				return checked, ctx.Err()
			}
			if _, err := s.CheckInvoicePaymentStatus(ctx, page[i].ID); err != nil {
				s.logger.Warn("failed to check invoice payment status", zap.String("invoice_id", page[i].ID), zap.Error(err))
				continue
			}
			checked++
		}
		if len(page) < pageSize {
			return checked, nil
		}
		after = page[len(page)-1].ID
	}
}

// OverdueInvoice reports the subject's oldest sent invoice past its due date.
func (s *Service) OverdueInvoice(ctx context.Context, subjectID string, now time.Time) (string, bool, error) {
	inv, err := s.invoices.OldestOverdue(ctx, subjectID, now)
	if errors.Is(err, ErrInvoiceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return inv.ID, true, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return s.getInvoice(ctx, id)
}

func (s *Service) getInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.invoices.Get(ctx, id)
	if errors.Is(err, ErrInvoiceNotFound) {
		return nil, apperr.NotFound("invoice", "Invoice not found")
	}
	if err != nil {
		return nil, apperr.Storage("load invoice", err)
	}
	return inv, nil
}
