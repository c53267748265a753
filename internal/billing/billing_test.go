package billing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/vnmchuo/usage-gateway/internal/billing"
	"github.com/vnmchuo/usage-gateway/internal/billing/billingtest"
	"github.com/vnmchuo/usage-gateway/internal/directory"
	"github.com/vnmchuo/usage-gateway/internal/notify"
	"github.com/vnmchuo/usage-gateway/internal/usage"
	"github.com/vnmchuo/usage-gateway/internal/usage/usagetest"
)

var (
	march = time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	alice = directory.Subject{ID: "user_alice", Email: "alice@example.com", Name: "Alice"}
)

type fixture struct {
	clock      *quartz.Mock
	usage      *usagetest.Store
	invoices   *billingtest.InvoiceStore
	processor  *billingtest.Processor
	notifier   *recordingNotifier
	spans      *tracetest.SpanRecorder
	dispatcher *billing.Dispatcher
	aggregator *billing.Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, time.April, 1, 0, 5, 0, 0, time.UTC))

	f := &fixture{
		clock:     clock,
		usage:     usagetest.NewStore(),
		invoices:  billingtest.NewInvoiceStore(),
		processor: billingtest.NewProcessor(),
		notifier:  &recordingNotifier{},
		spans:     tracetest.NewSpanRecorder(),
	}
	f.invoices.Now = func() time.Time { return clock.Now() }
	f.aggregator = billing.NewAggregator(f.usage, 10, noop.NewTracerProvider().Tracer("test"))
	f.dispatcher = billing.NewDispatcher(f.invoices, f.processor, f.notifier, billing.DispatcherOptions{
		MinAmount:    decimal.RequireFromString("0.50"),
		Currency:     "usd",
		DaysUntilDue: 3,
		Retry:        billing.RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
		Tracer:       sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans)).Tracer("test"),
	}, clock, zaptest.NewLogger(t), nil)
	return f
}

func (f *fixture) addUsage(t *testing.T, userID, model, cost string, at time.Time) {
	t.Helper()
	c := decimal.RequireFromString(cost)
	_, err := f.usage.Insert(context.Background(), &usage.Record{
		ID:         fmt.Sprintf("rec_%d", f.usage.Len()+1),
		UserID:     userID,
		ModelID:    model,
		InputCost:  c,
		OutputCost: decimal.Zero,
		TotalCost:  c,
		CreatedAt:  at,
	})
	require.NoError(t, err)
}

type recordingNotifier struct {
	receipts []notify.Receipt
	err      error
}

func (n *recordingNotifier) InvoiceSent(_ context.Context, r notify.Receipt) error {
	n.receipts = append(n.receipts, r)
	return n.err
}

func TestPeriods(t *testing.T) {
	now := time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), billing.PeriodStart(now))
	assert.Equal(t, time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC), billing.PreviousPeriod(now))
	assert.Equal(t, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC), billing.PeriodEnd(time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)))

	p, err := billing.ParsePeriod("2026-02")
	require.NoError(t, err)
	assert.Equal(t, "2026-02", billing.FormatPeriod(p))

	_, err = billing.ParsePeriod("02/2026")
	assert.Error(t, err)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to billing.Status
		ok       bool
	}{
		{billing.StatusDraft, billing.StatusSent, true},
		{billing.StatusDraft, billing.StatusFailed, true},
		{billing.StatusSent, billing.StatusPaid, true},
		{billing.StatusSent, billing.StatusFailed, true},
		{billing.StatusFailed, billing.StatusDraft, true},
		{billing.StatusDraft, billing.StatusPaid, false},
		{billing.StatusPaid, billing.StatusSent, false},
		{billing.StatusPaid, billing.StatusFailed, false},
		{billing.StatusSent, billing.StatusDraft, false},
		{billing.StatusFailed, billing.StatusSent, false},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, billing.CanTransition(tc.from, tc.to))

			inv := &billing.Invoice{ID: "inv", Status: tc.from}
			err := inv.Transition(tc.to)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.to, inv.Status)
			} else {
				require.Error(t, err)
				assert.Equal(t, tc.from, inv.Status)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)
	f.addUsage(t, alice.ID, "gpt-4", "0.10", march.Add(time.Hour))
	f.addUsage(t, alice.ID, "gpt-4", "0.25", march.Add(48*time.Hour))
	f.addUsage(t, alice.ID, "claude", "0.05", march.AddDate(0, 1, 0).Add(-time.Nanosecond))
	// Outside the period or another subject.
	f.addUsage(t, alice.ID, "gpt-4", "9.00", march.Add(-time.Nanosecond))
	f.addUsage(t, alice.ID, "gpt-4", "9.00", march.AddDate(0, 1, 0))
	f.addUsage(t, "user_bob", "gpt-4", "9.00", march.Add(time.Hour))

	s, err := f.aggregator.Summarize(context.Background(), alice.ID, march)
	require.NoError(t, err)

	assert.Equal(t, int64(3), s.TotalRequestCount)
	assert.Equal(t, "0.4", s.TotalCost.String())
	assert.Equal(t, march, s.PeriodStart)
	assert.Equal(t, march.AddDate(0, 1, 0), s.PeriodEnd)
	require.Len(t, s.PerModel, 2)
	assert.Equal(t, int64(2), s.PerModel["gpt-4"].Count)
	assert.Equal(t, "0.35", s.PerModel["gpt-4"].Cost.String())
	assert.Equal(t, int64(1), s.PerModel["claude"].Count)
}

func TestSummarize_NoUsage(t *testing.T) {
	f := newFixture(t)

	s, err := f.aggregator.Summarize(context.Background(), alice.ID, march)
	require.NoError(t, err)

	assert.Zero(t, s.TotalRequestCount)
	assert.True(t, s.TotalCost.IsZero())
	assert.Empty(t, s.PerModel)
}

func TestSummarize_TotalEqualsSumAcrossPages(t *testing.T) {
	f := newFixture(t)
	want := decimal.Zero
	for i := 0; i < 37; i++ {
		cost := decimal.New(int64(i*7+1), -4)
		want = want.Add(cost)
		f.addUsage(t, alice.ID, "gpt-4", cost.String(), march.Add(time.Duration(i)*time.Minute))
	}

	s, err := f.aggregator.Summarize(context.Background(), alice.ID, march)
	require.NoError(t, err)

	assert.True(t, want.Equal(s.TotalCost), "want %s got %s", want, s.TotalCost)
	assert.Equal(t, int64(37), s.TotalRequestCount)
	// 37 records at 10 per page.
	assert.Equal(t, 4, f.usage.Pages)
}
