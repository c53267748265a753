package ratelimit

import (
	"net/http"

	"github.com/go-chi/httprate"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
)

// KeyFunc derives the limiter key of a request. httprate.KeyByIP fits.
type KeyFunc func(r *http.Request) (string, error)

// Middleware consumes one point per request keyed by keyFn. An empty key
// falls back to the client IP.
func Middleware(l *Limiter, keyFn KeyFunc, onReject func(r *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := keyFn(r)
			if err != nil || key == "" {
				key, err = httprate.KeyByIP(r)
				if err != nil {
					apperr.WriteError(w, err)
					return
				}
				key = "ip:" + key
			}

			if err := l.Check(r.Context(), key); err != nil {
				if onReject != nil {
					onReject(r)
				}
				apperr.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
