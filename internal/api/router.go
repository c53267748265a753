package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/logging"
	"github.com/vnmchuo/usage-gateway/pkg/ratelimit"
)

type RouterOptions struct {
	Handler       *Handler
	Authenticator auth.Authenticator
	Limiter       *ratelimit.Limiter
	Logger        *zap.Logger
	Metrics       http.Handler
	// InternalRPM caps requests per minute per IP on /internal routes.
	InternalRPM int
}

func NewRouter(opts RouterOptions) chi.Router {
	h := opts.Handler
	if opts.InternalRPM <= 0 {
		opts.InternalRPM = 30
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logging.Middleware(opts.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1/guard", func(r chi.Router) {
		r.Post("/authenticate", h.HandleAuthenticate)
		r.Post("/log-usage", h.HandleLogUsage)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(opts.Authenticator))
		r.Use(ratelimit.Middleware(opts.Limiter, func(r *http.Request) (string, error) {
			return "subject:" + auth.SubjectID(r.Context()), nil
		}, nil))
		r.Get("/v1/usage", h.HandleUsage)
	})

	r.Route("/internal/billing", func(r chi.Router) {
		r.Use(httprate.LimitByIP(opts.InternalRPM, time.Minute))
		r.Use(h.RequireSecret)
		r.Post("/run", h.HandleBillingRun)
		r.Post("/invoices/{id}/retry", h.HandleRetryInvoice)
		r.Post("/invoices/{id}/check", h.HandleCheckInvoice)
	})

	r.Route("/internal/keys", func(r chi.Router) {
		r.Use(httprate.LimitByIP(opts.InternalRPM, time.Minute))
		r.Use(h.RequireSecret)
		r.Post("/{id}/revoke", h.HandleRevokeKey)
	})

	// Without a signing secret no event can be verified.
	if h.webhookSecret != "" {
		r.Post("/webhooks/stripe", h.HandleStripeWebhook)
	}
	return r
}
