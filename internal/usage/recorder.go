package usage

import (
	"context"
	"fmt"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
	"github.com/vnmchuo/usage-gateway/internal/auth"
)

type Recorder struct {
	store  Store
	clock  quartz.Clock
	tracer trace.Tracer
	logger *zap.Logger
}

func NewRecorder(store Store, clock quartz.Clock, tracer trace.Tracer, logger *zap.Logger) *Recorder {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("usage")
	}
	return &Recorder{store: store, clock: clock, tracer: tracer, logger: logger}
}

// costScale is the number of fractional digits the usage_records cost
// columns keep.
const costScale = 10

// Verify checks the cost and token invariants of in.
func Verify(in Input) error {
	if in.Model == "" {
		return apperr.Invalid("model", "model is missing")
	}
	for field, v := range map[string]int{
		"input_tokens":  in.InputTokens,
		"output_tokens": in.OutputTokens,
		"max_tokens":    in.MaxTokens,
	} {
		if v < 0 {
			return apperr.Invalid(field, field+" must not be negative")
		}
	}
	if in.InputCost.IsNegative() {
		return apperr.Invalid("input_cost", "input_cost must not be negative")
	}
	if in.OutputCost.IsNegative() {
		return apperr.Invalid("output_cost", "output_cost must not be negative")
	}
	for _, c := range []struct {
		field string
		v     decimal.Decimal
	}{
		{"input_cost", in.InputCost},
		{"output_cost", in.OutputCost},
		{"total_cost", in.TotalCost},
	} {
		if !c.v.Equal(c.v.Truncate(costScale)) {
			return apperr.Invalid(c.field, fmt.Sprintf("%s must have at most %d decimal places", c.field, costScale))
		}
	}
	if !in.TotalCost.Equal(in.InputCost.Add(in.OutputCost)) {
		return apperr.Invalid("total_cost", "total_cost must equal input_cost + output_cost")
	}
	return nil
}

// Record persists exactly one usage row for the caller. Storage failures come
// back as *apperr.StorageError and must be surfaced, never dropped.
func (r *Recorder) Record(ctx context.Context, id *auth.Identity, in Input) (*Record, error) {
	ctx, span := r.tracer.Start(ctx, "usage.record")
	defer span.End()
	span.SetAttributes(attribute.String("model", in.Model))

	if id == nil || id.SubjectID == "" {
		return nil, apperr.Unauthenticated(apperr.ReasonMissing, "identity is missing")
	}
	if err := Verify(in); err != nil {
		span.RecordError(err)
		return nil, err
	}

	rec := &Record{
		ID:             uuid.NewString(),
		APIKeyID:       id.APIKeyID,
		UserID:         id.SubjectID,
		OrganizationID: id.OrganizationID,
		ModelID:        in.Model,
		InputTokens:    in.InputTokens,
		OutputTokens:   in.OutputTokens,
		MaxTokens:      in.MaxTokens,
		InputCost:      in.InputCost,
		OutputCost:     in.OutputCost,
		TotalCost:      in.InputCost.Add(in.OutputCost),
		Temperature:    in.Temperature,
		TopP:           in.TopP,
		Echo:           in.Echo,
		Stream:         in.Stream,
		Messages:       in.Messages,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      r.clock.Now().UTC(),
	}

	inserted, err := r.store.Insert(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		r.logger.Error("usage record not stored",
			zap.String("user_id", rec.UserID),
			zap.String("model", rec.ModelID),
			zap.String("total_cost", rec.TotalCost.String()),
			zap.Error(err))
		return nil, apperr.Storage("insert usage record", err)
	}
	span.SetAttributes(
		attribute.String("usage_id", rec.ID),
		attribute.Bool("replayed", !inserted),
	)
	if !inserted {
		r.logger.Info("usage record replayed",
			zap.String("record_id", rec.ID),
			zap.String("idempotency_key", in.IdempotencyKey))
	}
	return rec, nil
}
