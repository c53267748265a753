package usage_test

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/usage"
	"github.com/vnmchuo/usage-gateway/internal/usage/usagetest"
)

var caller = &auth.Identity{SubjectID: "user-1", Kind: auth.KindService, APIKeyID: "key-1", AuthMethod: auth.MethodAPIKey}

func validInput() usage.Input {
	return usage.Input{
		Model:        "gpt-4o",
		Temperature:  0.7,
		TopP:         1,
		InputCost:    decimal.RequireFromString("0.1"),
		OutputCost:   decimal.RequireFromString("0.2"),
		TotalCost:    decimal.RequireFromString("0.3"),
		InputTokens:  100,
		OutputTokens: 200,
		MaxTokens:    1024,
	}
}

func TestRecord_StoresOneRow(t *testing.T) {
	store := usagetest.NewStore()
	clock := quartz.NewMock(t)
	r := usage.NewRecorder(store, clock, nil, zap.NewNop())

	rec, err := r.Record(context.Background(), caller, validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "key-1", rec.APIKeyID)
	assert.Equal(t, clock.Now().UTC(), rec.CreatedAt)
	assert.True(t, rec.TotalCost.Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, 1, store.Len())
}

func TestRecord_RejectsCostMismatch(t *testing.T) {
	store := usagetest.NewStore()
	r := usage.NewRecorder(store, nil, nil, zap.NewNop())

	in := validInput()
	in.TotalCost = decimal.RequireFromString("0.30000000000000004")
	_, err := r.Record(context.Background(), caller, in)

	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "total_cost", ve.Field)
	assert.Equal(t, 0, store.Len())
}

func TestRecord_RejectsNegatives(t *testing.T) {
	r := usage.NewRecorder(usagetest.NewStore(), nil, nil, zap.NewNop())

	in := validInput()
	in.OutputTokens = -1
	_, err := r.Record(context.Background(), caller, in)
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))

	in = validInput()
	in.InputCost = decimal.RequireFromString("-0.1")
	in.TotalCost = in.InputCost.Add(in.OutputCost)
	_, err = r.Record(context.Background(), caller, in)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "input_cost", ve.Field)
}

func TestRecord_RejectsCostsBeyondColumnScale(t *testing.T) {
	store := usagetest.NewStore()
	r := usage.NewRecorder(store, nil, nil, zap.NewNop())

	// Each part rounds differently in a NUMERIC(20,10) column, so the
	// stored total would no longer match.
	in := validInput()
	in.InputCost = decimal.RequireFromString("0.00000000005")
	in.OutputCost = decimal.RequireFromString("0.00000000005")
	in.TotalCost = decimal.RequireFromString("0.0000000001")
	_, err := r.Record(context.Background(), caller, in)

	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "input_cost", ve.Field)
	assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))
	assert.Equal(t, 0, store.Len())

	in = validInput()
	in.InputCost = decimal.RequireFromString("0.1000000000")
	in.TotalCost = in.InputCost.Add(in.OutputCost)
	_, err = r.Record(context.Background(), caller, in)
	require.NoError(t, err)
}

func TestRecord_StorageFailureSurfaces(t *testing.T) {
	store := usagetest.NewStore()
	store.InsertErr = errors.New("disk full")
	r := usage.NewRecorder(store, nil, nil, zap.NewNop())

	_, err := r.Record(context.Background(), caller, validInput())
	var se *apperr.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
}

func TestRecord_RequiresIdentity(t *testing.T) {
	r := usage.NewRecorder(usagetest.NewStore(), nil, nil, zap.NewNop())
	_, err := r.Record(context.Background(), nil, validInput())
	assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(err))
}

func TestRecord_IdempotencyKeyReplays(t *testing.T) {
	store := usagetest.NewStore()
	r := usage.NewRecorder(store, nil, nil, zap.NewNop())

	in := validInput()
	in.IdempotencyKey = "req-1"
	first, err := r.Record(context.Background(), caller, in)
	require.NoError(t, err)
	second, err := r.Record(context.Background(), caller, in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.Len())
}

func TestRecord_TotalAlwaysEqualsParts(t *testing.T) {
	store := usagetest.NewStore()
	r := usage.NewRecorder(store, nil, nil, zap.NewNop())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		in := validInput()
		in.InputCost = decimal.New(rng.Int63n(10_000_000), -int32(rng.Intn(9)))
		in.OutputCost = decimal.New(rng.Int63n(10_000_000), -int32(rng.Intn(9)))
		in.TotalCost = in.InputCost.Add(in.OutputCost)

		rec, err := r.Record(context.Background(), caller, in)
		require.NoError(t, err)
		require.True(t, rec.TotalCost.Equal(rec.InputCost.Add(rec.OutputCost)), "record %d", i)
	}
}

func TestRecord_Span(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)).Tracer("test")
	store := usagetest.NewStore()
	r := usage.NewRecorder(store, nil, tracer, zap.NewNop())

	rec, err := r.Record(context.Background(), caller, validInput())
	require.NoError(t, err)

	store.InsertErr = errors.New("connection reset")
	_, err = r.Record(context.Background(), caller, validInput())
	require.Error(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "usage.record", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("usage_id", rec.ID))
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestEach_PagesInOrder(t *testing.T) {
	store := usagetest.NewStore()
	clock := quartz.NewMock(t)
	r := usage.NewRecorder(store, clock, nil, zap.NewNop())
	from := clock.Now()

	for i := 0; i < 25; i++ {
		_, err := r.Record(context.Background(), caller, validInput())
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	var seen []time.Time
	err := usage.Each(context.Background(), store, "user-1", from, clock.Now(), 10, func(rec *usage.Record) error {
		seen = append(seen, rec.CreatedAt)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 25)
	assert.True(t, sortedTimes(seen))
	assert.Equal(t, 3, store.Pages)
}

func sortedTimes(ts []time.Time) bool {
	for i := 1; i < len(ts); i++ {
		if ts[i].Before(ts[i-1]) {
			return false
		}
	}
	return true
}
