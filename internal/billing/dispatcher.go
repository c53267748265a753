package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/directory"
	"github.com/vnmchuo/usage-gateway/internal/notify"
	"github.com/vnmchuo/usage-gateway/internal/payment"
	"github.com/vnmchuo/usage-gateway/internal/telemetry"
)

type Outcome string

const (
	// OutcomeSkipped: total below the minimum, no invoice created.
	OutcomeSkipped Outcome = "skipped"
	OutcomeSent    Outcome = "sent"
	// OutcomeExisting: a sent or paid invoice already covers the period.
	OutcomeExisting Outcome = "existing"
	OutcomeFailed   Outcome = "failed"
)

type DispatchResult struct {
	Invoice *Invoice
	Outcome Outcome
	// Err is the processor error behind OutcomeFailed.
	Err error
}

type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

type DispatcherOptions struct {
	MinAmount    decimal.Decimal
	Currency     string
	DaysUntilDue int
	Retry        RetryPolicy
	// Tracer is optional; nil records no spans.
	Tracer trace.Tracer
}

type Dispatcher struct {
	invoices  InvoiceStore
	processor payment.Processor
	notifier  notify.Notifier
	opts      DispatcherOptions
	clock     quartz.Clock
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

func NewDispatcher(
	invoices InvoiceStore,
	processor payment.Processor,
	notifier notify.Notifier,
	opts DispatcherOptions,
	clock quartz.Clock,
	logger *zap.Logger,
	metrics *telemetry.Metrics,
) *Dispatcher {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("billing")
	}
	return &Dispatcher{
		invoices:  invoices,
		processor: processor,
		notifier:  notifier,
		opts:      opts,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// Dispatch turns a summary into at most one sent invoice for the subject and
// period. Calling it again for the same period never creates a second
// invoice. Processor failures are reported in the result; only storage
// errors are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Summary, subject directory.Subject) (*DispatchResult, error) {
	ctx, span := d.opts.Tracer.Start(ctx, "billing.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("subject_id", s.SubjectID),
		attribute.String("period", FormatPeriod(s.PeriodStart)),
		attribute.String("total_cost", s.TotalCost.String()),
	)

	res, err := d.dispatch(ctx, s, subject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if res.Invoice != nil {
		span.SetAttributes(attribute.String("invoice_id", res.Invoice.ID))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	d.metrics.InvoiceOutcome(string(res.Outcome))
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, s *Summary, subject directory.Subject) (*DispatchResult, error) {
	log := d.logger.With(zap.String("subject_id", s.SubjectID), zap.String("period", FormatPeriod(s.PeriodStart)))

	inv, err := d.invoices.Active(ctx, s.SubjectID, s.PeriodStart)
	switch {
	case err == nil:
		if inv.Status != StatusDraft {
			return &DispatchResult{Invoice: inv, Outcome: OutcomeExisting}, nil
		}
		// A draft left by an interrupted run. The processor dedupes on the
		// invoice id, so sending it again is safe.
		if !inv.Amount.Equal(s.TotalCost) {
			inv.Amount = s.TotalCost
			if err := d.invoices.Update(ctx, inv, StatusDraft); err != nil {
				return nil, err
			}
		}
		log.Info("resuming draft invoice", zap.String("invoice_id", inv.ID))
	case errors.Is(err, ErrInvoiceNotFound):
		if s.TotalCost.LessThan(d.opts.MinAmount) {
			log.Debug("usage below minimum, no invoice", zap.String("total", s.TotalCost.String()))
			return &DispatchResult{Outcome: OutcomeSkipped}, nil
		}
		inv, err = d.createDraft(ctx, s)
		if err != nil {
			return nil, err
		}
		if inv.Status != StatusDraft {
			return &DispatchResult{Invoice: inv, Outcome: OutcomeExisting}, nil
		}
	default:
		return nil, err
	}

	return d.send(ctx, inv, subject, log)
}

func (d *Dispatcher) createDraft(ctx context.Context, s *Summary) (*Invoice, error) {
	inv := &Invoice{
		SubjectID:   s.SubjectID,
		PeriodStart: s.PeriodStart,
		PeriodEnd:   s.PeriodEnd,
		Amount:      s.TotalCost,
		Currency:    d.opts.Currency,
		Status:      StatusDraft,
	}
	err := d.invoices.Create(ctx, inv)
	if errors.Is(err, ErrDuplicateInvoice) {
		// Lost a race with another dispatcher; continue with its invoice.
		return d.invoices.Active(ctx, s.SubjectID, s.PeriodStart)
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (d *Dispatcher) send(ctx context.Context, inv *Invoice, subject directory.Subject, log *zap.Logger) (*DispatchResult, error) {
	req := payment.InvoiceRequest{
		IdempotencyKey: inv.ID,
		Customer: payment.Customer{
			SubjectID: subject.ID,
			Email:     subject.Email,
			Name:      subject.Name,
		},
		Amount:       inv.Amount,
		Currency:     inv.Currency,
		Description:  fmt.Sprintf("API usage %s", FormatPeriod(inv.PeriodStart)),
		DaysUntilDue: d.opts.DaysUntilDue,
		Metadata: map[string]string{
			"invoice_id": inv.ID,
			"subject_id": inv.SubjectID,
			"period":     FormatPeriod(inv.PeriodStart),
		},
	}

	eb := backoff.NewExponentialBackOff()
	if d.opts.Retry.Initial > 0 {
		eb.InitialInterval = d.opts.Retry.Initial
	}
	if d.opts.Retry.Max > 0 {
		eb.MaxInterval = d.opts.Retry.Max
	}
	eb.MaxElapsedTime = 0
	bkoff := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.opts.Retry.MaxAttempts-1)), ctx)

	var sent *payment.SentInvoice
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		var err error
		sent, err = d.processor.SendInvoice(ctx, req)
		if err != nil && !payment.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bkoff, func(err error, next time.Duration) {
		log.Warn("invoice send failed, retrying",
			zap.String("invoice_id", inv.ID),
			zap.Int("attempt", attempts),
			zap.Duration("next", next),
			zap.Error(err))
	})
	inv.Attempts += attempts

	if err != nil {
		inv.LastError = err.Error()
		if terr := inv.Transition(StatusFailed); terr != nil {
			return nil, terr
		}
		if uerr := d.invoices.Update(ctx, inv, StatusDraft); uerr != nil {
			return nil, uerr
		}
		log.Error("invoice send failed", zap.String("invoice_id", inv.ID), zap.Int("attempts", attempts), zap.Error(err))
		return &DispatchResult{Invoice: inv, Outcome: OutcomeFailed, Err: err}, nil
	}

	now := d.clock.Now().UTC()
	inv.ExternalInvoiceID = sent.ExternalID
	inv.HostedURL = sent.HostedURL
	inv.LastError = ""
	inv.SentAt = &now
	due := sent.DueAt
	if due.IsZero() {
		due = now.AddDate(0, 0, d.opts.DaysUntilDue)
	}
	inv.DueAt = &due
	if err := inv.Transition(StatusSent); err != nil {
		return nil, err
	}
	if err := d.invoices.Update(ctx, inv, StatusDraft); err != nil {
		return nil, err
	}
	log.Info("invoice sent", zap.String("invoice_id", inv.ID), zap.String("external_id", inv.ExternalInvoiceID))

	receipt := notify.Receipt{
		To:          subject.Email,
		Name:        subject.Name,
		InvoiceID:   inv.ID,
		ExternalID:  inv.ExternalInvoiceID,
		HostedURL:   inv.HostedURL,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		PeriodStart: inv.PeriodStart,
		PeriodEnd:   inv.PeriodEnd,
		DueAt:       due,
	}
	if err := d.notifier.InvoiceSent(ctx, receipt); err != nil {
		log.Warn("failed to send invoice receipt", zap.String("invoice_id", inv.ID), zap.Error(err))
	}
	return &DispatchResult{Invoice: inv, Outcome: OutcomeSent}, nil
}
