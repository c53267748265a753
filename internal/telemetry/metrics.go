package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "usage_gateway"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	guardDecisions  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	usageRecords    *prometheus.CounterVec
	invoiceOutcomes *prometheus.CounterVec
	runDuration     prometheus.Histogram
	runSubjects     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Guard responses by endpoint and HTTP status.",
		}, []string{"endpoint", "status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the sliding window limiter.",
		}),
		usageRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_total",
			Help:      "Usage records stored, by model.",
		}, []string{"model"}),
		invoiceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_dispatch_total",
			Help:      "Invoice dispatch outcomes.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_run_duration_seconds",
			Help:      "Duration of monthly billing runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		runSubjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_run_subjects_total",
			Help:      "Subjects processed by billing runs, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.guardDecisions,
		m.rateLimited,
		m.usageRecords,
		m.invoiceOutcomes,
		m.runDuration,
		m.runSubjects,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) GuardDecision(endpoint string, status int) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) UsageRecorded(model string) {
	if m == nil {
		return
	}
	m.usageRecords.WithLabelValues(model).Inc()
}

func (m *Metrics) InvoiceOutcome(outcome string) {
	if m == nil {
		return
	}
	m.invoiceOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BillingRun(d time.Duration, succeeded, skipped, failed int) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
	m.runSubjects.WithLabelValues("succeeded").Add(float64(succeeded))
	m.runSubjects.WithLabelValues("skipped").Add(float64(skipped))
	m.runSubjects.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
