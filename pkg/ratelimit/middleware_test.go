package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_KeysBySubjectAndFallsBackToIP(t *testing.T) {
	clock := quartz.NewMock(t)
	l, err := New(NewMemoryStore(), Policy{Capacity: 1, Window: time.Minute, Block: 90 * time.Second}, clock)
	require.NoError(t, err)

	rejected := 0
	keyFn := func(r *http.Request) (string, error) { return r.Header.Get("X-Subject"), nil }
	h := Middleware(l, keyFn, func(*http.Request) { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(subject string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if subject != "" {
			req.Header.Set("X-Subject", subject)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("alice").Code)
	w := do("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "90", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("bob").Code)
	assert.Equal(t, http.StatusOK, do("").Code)
	assert.Equal(t, http.StatusTooManyRequests, do("").Code)
	assert.Equal(t, 2, rejected)
}
