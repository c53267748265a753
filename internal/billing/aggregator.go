package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/usage-gateway/internal/usage"
)

type ModelUsage struct {
	Count int64           `json:"count"`
	Cost  decimal.Decimal `json:"cost"`
}

// Summary is computed on demand from usage records and never stored.
type Summary struct {
	SubjectID         string                `json:"subject_id"`
	PeriodStart       time.Time             `json:"period_start"`
	PeriodEnd         time.Time             `json:"period_end"`
	TotalRequestCount int64                 `json:"total_request_count"`
	TotalCost         decimal.Decimal       `json:"total_cost"`
	PerModel          map[string]ModelUsage `json:"per_model_breakdown"`
}

type Aggregator struct {
	usage    usage.Store
	pageSize int
	tracer   trace.Tracer
}

func NewAggregator(store usage.Store, pageSize int, tracer trace.Tracer) *Aggregator {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Aggregator{usage: store, pageSize: pageSize, tracer: tracer}
}

// Summarize sums subjectID's usage in [periodStart, periodStart+1 month).
// Records are streamed page by page; memory use does not grow with the
// number of records. No records yields a zero summary.
func (a *Aggregator) Summarize(ctx context.Context, subjectID string, periodStart time.Time) (*Summary, error) {
	ctx, span := a.tracer.Start(ctx, "billing.summarize")
	defer span.End()

	start := periodStart.UTC()
	s := &Summary{
		SubjectID:   subjectID,
		PeriodStart: start,
		PeriodEnd:   PeriodEnd(start),
		TotalCost:   decimal.Zero,
		PerModel:    map[string]ModelUsage{},
	}

	err := usage.Each(ctx, a.usage, subjectID, s.PeriodStart, s.PeriodEnd, a.pageSize, func(r *usage.Record) error {
		m := s.PerModel[r.ModelID]
		m.Count++
		m.Cost = m.Cost.Add(r.TotalCost)
		s.PerModel[r.ModelID] = m

		s.TotalRequestCount++
		s.TotalCost = s.TotalCost.Add(r.TotalCost)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("summarize %s for %s: %w", subjectID, FormatPeriod(start), err)
	}

	span.SetAttributes(
		attribute.String("subject_id", subjectID),
		attribute.String("period", FormatPeriod(start)),
		attribute.Int64("records", s.TotalRequestCount),
	)
	return s, nil
}
