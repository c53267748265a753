// Package api exposes the guard, usage and billing endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/billing"
	"github.com/vnmchuo/usage-gateway/internal/guard"
	"github.com/vnmchuo/usage-gateway/internal/payment/stripe"
	"github.com/vnmchuo/usage-gateway/internal/scheduler"
	"github.com/vnmchuo/usage-gateway/internal/telemetry"
	"github.com/vnmchuo/usage-gateway/pkg/ratelimit"
)

const (
	HeaderSecretKey      = "SecretKey"
	HeaderOrganization   = "Swarms-Organization"
	HeaderIdempotencyKey = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

// Runner triggers the monthly billing run.
type Runner interface {
	RunMonthly(ctx context.Context, now time.Time) (*scheduler.RunSummary, error)
}

// KeyRevoker soft-revokes API keys.
type KeyRevoker interface {
	Revoke(ctx context.Context, keyID string) (*auth.APIKey, error)
}

type Handler struct {
	guard         *guard.Guard
	keys          KeyRevoker
	limiter       *ratelimit.Limiter
	budget        *ratelimit.TokenBudget
	billing       *billing.Service
	runner        Runner
	webhookSecret string
	tracer        trace.Tracer
	metrics       *telemetry.Metrics
	clock         quartz.Clock
	logger        *zap.Logger
}

type Options struct {
	Guard *guard.Guard
	Keys  KeyRevoker
	// Limiter spends one point per authenticated guard call; nil disables it.
	Limiter *ratelimit.Limiter
	// Budget is optional; nil disables the tokens-per-minute check.
	Budget        *ratelimit.TokenBudget
	Billing       *billing.Service
	Runner        Runner
	WebhookSecret string
	Tracer        trace.Tracer
	Metrics       *telemetry.Metrics
	Clock         quartz.Clock
	Logger        *zap.Logger
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		guard:         opts.Guard,
		keys:          opts.Keys,
		limiter:       opts.Limiter,
		budget:        opts.Budget,
		billing:       opts.Billing,
		runner:        opts.Runner,
		webhookSecret: opts.WebhookSecret,
		tracer:        opts.Tracer,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}
}

func guardRequest(r *http.Request, model string) guard.Request {
	return guard.Request{
		SecretKey:            r.Header.Get(HeaderSecretKey),
		APIKey:               auth.BearerToken(r),
		OrganizationPublicID: r.Header.Get(HeaderOrganization),
		Model:                model,
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, apperr.Invalid("body", "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, apperr.Invalid("body", "request body too large")
	}
	return body, nil
}

func (h *Handler) fail(w http.ResponseWriter, endpoint string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
	h.metrics.GuardDecision(endpoint, status)
	apperr.WriteError(w, err)
}

type authenticateBody struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// HandleAuthenticate answers whether the caller may invoke the requested
// model.
func (h *Handler) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	const endpoint = "authenticate"
	ctx, span := h.tracer.Start(r.Context(), "guard.authenticate")
	defer span.End()

	// The secret gates everything, including body parsing.
	if err := h.guard.CheckSecret(r.Header.Get(HeaderSecretKey)); err != nil {
		h.fail(w, endpoint, err)
		return
	}

	raw, err := readBody(r)
	if err != nil {
		h.fail(w, endpoint, err)
		return
	}
	var body authenticateBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			h.fail(w, endpoint, apperr.Invalid("body", "request body must be a JSON object"))
			return
		}
	}
	span.SetAttributes(attribute.String("model", body.Model))

	id, err := h.guard.IsAuthenticated(ctx, guardRequest(r, body.Model))
	if err != nil {
		span.RecordError(err)
		h.fail(w, endpoint, err)
		return
	}
	span.SetAttributes(attribute.String("subject_id", id.SubjectID))

	// Points are spent only once the caller is known, so unauthenticated
	// traffic cannot exhaust someone else's window.
	if h.limiter != nil {
		if err := h.limiter.Check(ctx, limiterKey(id)); err != nil {
			var rl *apperr.RateLimitError
			if errors.As(err, &rl) {
				h.metrics.RateLimited()
			}
			h.fail(w, endpoint, err)
			return
		}
	}

	if h.budget != nil {
		res, err := h.budget.Charge(ctx, id.SubjectID, body.MaxTokens)
		if err != nil {
			// The budget is advisory; a Redis outage must not take the
			// guard down with it.
			h.logger.Warn("token budget unavailable", zap.String("subject_id", id.SubjectID), zap.Error(err))
		} else if !res.Allowed {
			retry := res.ResetAfter
			if retry <= 0 {
				retry = time.Minute
			}
			h.metrics.RateLimited()
			h.fail(w, endpoint, &apperr.RateLimitError{RetryAfter: retry})
			return
		}
	}

	h.metrics.GuardDecision(endpoint, http.StatusOK)
	apperr.WriteJSON(w, http.StatusOK, auth.Authenticated(id))
}

// limiterKey keys the guard limiter on the API key, so every caller sharing
// a key shares its window. Session callers are keyed by subject.
func limiterKey(id *auth.Identity) string {
	if id.APIKeyID != "" {
		return "key:" + id.APIKeyID
	}
	return "subject:" + id.SubjectID
}

type logUsageResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id"`
	Record  any    `json:"record"`
}

// HandleLogUsage stores one usage record for an authorized call.
func (h *Handler) HandleLogUsage(w http.ResponseWriter, r *http.Request) {
	const endpoint = "log_usage"
	ctx, span := h.tracer.Start(r.Context(), "guard.log_usage")
	defer span.End()

	if err := h.guard.CheckSecret(r.Header.Get(HeaderSecretKey)); err != nil {
		h.fail(w, endpoint, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		h.fail(w, endpoint, err)
		return
	}

	rec, err := h.guard.LogUsage(ctx, guardRequest(r, ""), body, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		span.RecordError(err)
		h.fail(w, endpoint, err)
		return
	}
	span.SetAttributes(
		attribute.String("usage_id", rec.ID),
		attribute.String("model", rec.ModelID),
	)

	h.metrics.GuardDecision(endpoint, http.StatusOK)
	h.metrics.UsageRecorded(rec.ModelID)
	apperr.WriteJSON(w, http.StatusOK, logUsageResponse{
		Status:  http.StatusOK,
		Message: "Usage logged",
		ID:      rec.ID,
		Record:  rec,
	})
}

// HandleUsage returns the caller's usage summary for ?period=YYYY-MM,
// defaulting to the current month.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjectID := auth.SubjectID(ctx)
	if subjectID == "" {
		apperr.WriteError(w, apperr.Unauthenticated(apperr.ReasonMissing, "API Key is missing"))
		return
	}

	period := billing.PeriodStart(h.clock.Now())
	if p := r.URL.Query().Get("period"); p != "" {
		parsed, err := billing.ParsePeriod(p)
		if err != nil {
			apperr.WriteError(w, apperr.Invalid("period", err.Error()))
			return
		}
		period = parsed
	}

	summary, err := h.billing.Aggregator().Summarize(ctx, subjectID, period)
	if err != nil {
		h.logger.Error("failed to summarize usage", zap.String("subject_id", subjectID), zap.Error(err))
		apperr.WriteError(w, apperr.Storage("summarize usage", err))
		return
	}
	apperr.WriteJSON(w, http.StatusOK, summary)
}

type runResponse struct {
	Status  int                   `json:"status"`
	Message string                `json:"message"`
	Summary *scheduler.RunSummary `json:"summary,omitempty"`
}

// HandleBillingRun runs the monthly billing for the previous month.
func (h *Handler) HandleBillingRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runner.RunMonthly(r.Context(), h.clock.Now())
	if errors.Is(err, scheduler.ErrLocked) {
		apperr.WriteJSON(w, http.StatusConflict, runResponse{Status: http.StatusConflict, Message: "Billing run already in progress"})
		return
	}
	if err != nil {
		h.logger.Error("billing run failed", zap.Error(err))
		apperr.WriteError(w, err)
		return
	}

	resp := runResponse{Status: http.StatusOK, Summary: summary}
	switch {
	case summary.AlreadyCompleted:
		resp.Message = fmt.Sprintf("Billing for %s already completed", summary.Period)
	case len(summary.Failed) > 0:
		resp.Message = fmt.Sprintf("Billing for %s completed with %d failures", summary.Period, len(summary.Failed))
	default:
		resp.Message = fmt.Sprintf("Billing for %s completed", summary.Period)
	}
	apperr.WriteJSON(w, http.StatusOK, resp)
}

type invoiceResponse struct {
	Status  int              `json:"status"`
	Message string           `json:"message"`
	Outcome billing.Outcome  `json:"outcome,omitempty"`
	Invoice *billing.Invoice `json:"invoice,omitempty"`
}

func invoiceID(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		return "", apperr.NotFound("invoice", "Invoice not found")
	}
	return id, nil
}

// HandleRetryInvoice moves a failed invoice back to draft and sends it.
func (h *Handler) HandleRetryInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	res, err := h.billing.RetryFailed(r.Context(), id)
	if err != nil {
		if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error("invoice retry failed", zap.String("invoice_id", id), zap.Error(err))
		}
		apperr.WriteError(w, err)
		return
	}

	resp := invoiceResponse{Status: http.StatusOK, Outcome: res.Outcome, Invoice: res.Invoice}
	switch res.Outcome {
	case billing.OutcomeFailed:
		resp.Message = "Invoice send failed: " + res.Err.Error()
	case billing.OutcomeSkipped:
		resp.Message = "Usage below billable minimum"
	case billing.OutcomeExisting:
		resp.Message = "Invoice already exists for this period"
	default:
		resp.Message = "Invoice sent"
	}
	apperr.WriteJSON(w, http.StatusOK, resp)
}

// HandleCheckInvoice polls the processor for a sent invoice's payment status.
func (h *Handler) HandleCheckInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := invoiceID(r)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	inv, err := h.billing.CheckInvoicePaymentStatus(r.Context(), id)
	if err != nil {
		if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error("invoice status check failed", zap.String("invoice_id", id), zap.Error(err))
		}
		apperr.WriteError(w, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, invoiceResponse{
		Status:  http.StatusOK,
		Message: fmt.Sprintf("Invoice is %s", inv.Status),
		Invoice: inv,
	})
}

type revokeResponse struct {
	Status    int        `json:"status"`
	Message   string     `json:"message"`
	ID        string     `json:"id"`
	RevokedAt *time.Time `json:"revoked_at"`
}

// HandleRevokeKey revokes an API key. The web app calls this instead of
// writing revoked_at itself, so cached copies are replaced at once.
func (h *Handler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		apperr.WriteError(w, apperr.NotFound("api_key", "API Key not found"))
		return
	}
	key, err := h.keys.Revoke(r.Context(), id)
	if err != nil {
		if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
			h.logger.Error("key revocation failed", zap.String("key_id", id), zap.Error(err))
		}
		apperr.WriteError(w, err)
		return
	}
	h.logger.Info("api key revoked", zap.String("key_id", key.ID), zap.String("owner", key.OwnerUserID))
	apperr.WriteJSON(w, http.StatusOK, revokeResponse{
		Status:    http.StatusOK,
		Message:   "API Key revoked",
		ID:        key.ID,
		RevokedAt: key.RevokedAt,
	})
}

// HandleStripeWebhook applies invoice payment events pushed by Stripe.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		apperr.WriteError(w, err)
		return
	}
	ev, ok, err := stripe.ParseInvoiceEvent(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("rejected stripe webhook", zap.Error(err))
		apperr.WriteError(w, apperr.Invalid("Stripe-Signature", "invalid webhook signature"))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	inv, err := h.billing.ApplyPaymentStatus(r.Context(), ev.ExternalID, ev.Status, ev.At)
	if err != nil {
		h.logger.Error("failed to apply stripe event",
			zap.String("type", ev.Type),
			zap.String("external_id", ev.ExternalID),
			zap.Error(err))
		apperr.WriteError(w, err)
		return
	}
	if inv != nil {
		h.logger.Info("stripe event applied",
			zap.String("type", ev.Type),
			zap.String("invoice_id", inv.ID),
			zap.String("status", string(inv.Status)))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "usage-gateway"})
}

// RequireSecret protects internal routes with the guard master secret.
func (h *Handler) RequireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.guard.CheckSecret(r.Header.Get(HeaderSecretKey)); err != nil {
			apperr.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
