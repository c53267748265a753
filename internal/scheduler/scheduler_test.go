package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/vnmchuo/usage-gateway/internal/billing"
	"github.com/vnmchuo/usage-gateway/internal/billing/billingtest"
	"github.com/vnmchuo/usage-gateway/internal/directory"
	"github.com/vnmchuo/usage-gateway/internal/notify"
	"github.com/vnmchuo/usage-gateway/internal/usage"
	"github.com/vnmchuo/usage-gateway/internal/usage/usagetest"
)

var april = time.Date(2026, time.April, 1, 0, 5, 0, 0, time.UTC)

type fakeDirectory struct {
	mu       sync.Mutex
	subjects []directory.Subject
	pages    int
}

func subjects(n int) *fakeDirectory {
	d := &fakeDirectory{}
	for i := 1; i <= n; i++ {
		d.subjects = append(d.subjects, directory.Subject{
			ID:    fmt.Sprintf("user_%02d", i),
			Email: fmt.Sprintf("user%02d@example.com", i),
		})
	}
	return d
}

func (d *fakeDirectory) OrganizationByPublicID(context.Context, string) (*directory.Organization, error) {
	return nil, directory.ErrNotFound
}

func (d *fakeDirectory) IsMember(context.Context, string, string) (bool, error) { return false, nil }

func (d *fakeDirectory) Subject(_ context.Context, id string) (*directory.Subject, error) {
	for _, s := range d.subjects {
		if s.ID == id {
			s := s
			return &s, nil
		}
	}
	return nil, directory.ErrNotFound
}

func (d *fakeDirectory) ListBillableSubjects(_ context.Context, afterID string, limit int) ([]directory.Subject, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages++
	var out []directory.Subject
	for _, s := range d.subjects {
		if s.ID > afterID && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeBiller struct {
	mu     sync.Mutex
	calls  map[string]int
	billFn func(subject directory.Subject) (*billing.DispatchResult, error)
}

func (b *fakeBiller) BillSubject(_ context.Context, subject directory.Subject, _ time.Time) (*billing.DispatchResult, error) {
	b.mu.Lock()
	if b.calls == nil {
		b.calls = map[string]int{}
	}
	b.calls[subject.ID]++
	b.mu.Unlock()
	if b.billFn != nil {
		return b.billFn(subject)
	}
	return &billing.DispatchResult{Outcome: billing.OutcomeSent}, nil
}

func (b *fakeBiller) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

func newLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func newScheduler(t *testing.T, biller Biller, dir directory.Directory, runs RunStore) (*Scheduler, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(april)
	s := New(biller, dir, runs, newLocker(t), Options{BatchSize: 10, Workers: 4}, clock, zaptest.NewLogger(t), nil)
	return s, clock
}

func TestRunMonthly_IsolatesSubjectFailure(t *testing.T) {
	dir := subjects(50)
	biller := &fakeBiller{billFn: func(s directory.Subject) (*billing.DispatchResult, error) {
		if s.ID == "user_27" {
			return nil, errors.New("aggregation failed")
		}
		return &billing.DispatchResult{Outcome: billing.OutcomeSent}, nil
	}}
	s, _ := newScheduler(t, biller, dir, NewMemoryRunStore())

	summary, err := s.RunMonthly(context.Background(), april)
	require.NoError(t, err)

	assert.Equal(t, "2026-03", summary.Period)
	assert.Equal(t, 49, summary.Succeeded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "user_27", summary.Failed[0].SubjectID)
	assert.Contains(t, summary.Failed[0].Error, "aggregation failed")
	assert.Equal(t, 50, biller.total())
}

func TestRunMonthly_PanicIsIsolated(t *testing.T) {
	dir := subjects(12)
	biller := &fakeBiller{billFn: func(s directory.Subject) (*billing.DispatchResult, error) {
		if s.ID == "user_03" {
			var m map[string]int
			m["x"] = 1
		}
		return &billing.DispatchResult{Outcome: billing.OutcomeSent}, nil
	}}
	s, _ := newScheduler(t, biller, dir, NewMemoryRunStore())

	summary, err := s.RunMonthly(context.Background(), april)
	require.NoError(t, err)

	assert.Equal(t, 11, summary.Succeeded)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "user_03", summary.Failed[0].SubjectID)
}

func TestRunMonthly_DispatchFailureReported(t *testing.T) {
	dir := subjects(3)
	biller := &fakeBiller{billFn: func(s directory.Subject) (*billing.DispatchResult, error) {
		switch s.ID {
		case "user_01":
			return &billing.DispatchResult{Outcome: billing.OutcomeFailed, Err: errors.New("processor down")}, nil
		case "user_02":
			return &billing.DispatchResult{Outcome: billing.OutcomeSkipped}, nil
		}
		return &billing.DispatchResult{Outcome: billing.OutcomeSent}, nil
	}}
	s, _ := newScheduler(t, biller, dir, NewMemoryRunStore())

	summary, err := s.RunMonthly(context.Background(), april)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, summary.Failed, 1)
	assert.Equal(t, "processor down", summary.Failed[0].Error)
}

func TestRunMonthly_MarkerPreventsSecondRun(t *testing.T) {
	dir := subjects(5)
	biller := &fakeBiller{}
	runs := NewMemoryRunStore()
	s, _ := newScheduler(t, biller, dir, runs)

	first, err := s.RunMonthly(context.Background(), april)
	require.NoError(t, err)
	assert.False(t, first.AlreadyCompleted)

	second, err := s.RunMonthly(context.Background(), april.Add(6*time.Hour))
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, 5, biller.total())

	run, err := runs.Get(context.Background(), billing.PreviousPeriod(april))
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 5, run.Summary.Succeeded)
}

func TestRunMonthly_LockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	locker := NewRedisLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	clock := quartz.NewMock(t)
	biller := &fakeBiller{}
	s := New(biller, subjects(2), NewMemoryRunStore(), locker, Options{}, clock, zaptest.NewLogger(t), nil)

	release, err := locker.Acquire(context.Background(), "billing:run:2026-03", time.Minute)
	require.NoError(t, err)

	_, err = s.RunMonthly(context.Background(), april)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Zero(t, biller.total())

	require.NoError(t, release(context.Background()))
	_, err = s.RunMonthly(context.Background(), april)
	require.NoError(t, err)
	assert.Equal(t, 2, biller.total())
}

func TestRedisLocker_ReleaseOnlyOwnLock(t *testing.T) {
	mr := miniredis.RunT(t)
	locker := NewRedisLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	release, err := locker.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := locker.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, release(context.Background()))
	assert.True(t, mr.Exists("k"))
	require.NoError(t, other(context.Background()))
	assert.False(t, mr.Exists("k"))
}

func TestRunMonthly_WithBillingService(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(april)
	logger := zaptest.NewLogger(t)

	dir := subjects(3)
	store := usagetest.NewStore()
	march := billing.PreviousPeriod(april)
	for i, id := range []string{"user_01", "user_02"} {
		_, err := store.Insert(ctx, &usage.Record{
			ID:        fmt.Sprintf("rec_%d", i),
			UserID:    id,
			ModelID:   "gpt-4",
			TotalCost: decimal.NewFromInt(int64(5 * (i + 1))),
			CreatedAt: march.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	invoices := billingtest.NewInvoiceStore()
	processor := billingtest.NewProcessor()
	aggregator := billing.NewAggregator(store, 100, noop.NewTracerProvider().Tracer("test"))
	dispatcher := billing.NewDispatcher(invoices, processor, notify.NewLogNotifier(logger), billing.DispatcherOptions{
		MinAmount: decimal.RequireFromString("0.50"),
		Retry:     billing.RetryPolicy{MaxAttempts: 1},
	}, clock, logger, nil)
	svc := billing.NewService(aggregator, dispatcher, invoices, dir, processor, clock, logger)

	s := New(svc, dir, NewMemoryRunStore(), newLocker(t), Options{BatchSize: 2, Workers: 2}, clock, logger, nil)
	summary, err := s.RunMonthly(ctx, april)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Failed)
	assert.Len(t, invoices.All(), 2)

	// A forced rerun of the same period dispatches nothing new.
	again, err := New(svc, dir, NewMemoryRunStore(), newLocker(t), Options{BatchSize: 2}, clock, logger, nil).RunMonthly(ctx, april)
	require.NoError(t, err)
	assert.Zero(t, again.Succeeded)
	assert.Equal(t, 3, again.Skipped)
	assert.Len(t, invoices.All(), 2)
	assert.Equal(t, 2, processor.Created())
}

type countingReconciler struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReconciler) ReconcileOpen(context.Context, int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return 0, nil
}

func TestStart_TicksRunAndReconcile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	biller := &fakeBiller{}
	s, clock := newScheduler(t, biller, subjects(4), NewMemoryRunStore())
	rec := &countingReconciler{}

	trap := clock.Trap().TickerFunc("scheduler")
	defer trap.Close()
	tickCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.Start(tickCtx, rec, time.Hour)
	call := trap.MustWait(ctx)
	call.MustRelease(ctx)

	clock.Advance(time.Hour).MustWait(ctx)
	clock.Advance(time.Hour).MustWait(ctx)

	assert.Equal(t, 4, biller.total())
	rec.mu.Lock()
	assert.Equal(t, 2, rec.calls)
	rec.mu.Unlock()
}
