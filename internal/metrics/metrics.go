package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exports. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	HTTPDuration       *prometheus.HistogramVec
	ImagesUploaded     prometheus.Counter
	Verdicts           *prometheus.CounterVec
	ScreeningErrors    prometheus.Counter
	Reviews            *prometheus.CounterVec
	Appeals            *prometheus.CounterVec
	StagesCompleted    *prometheus.CounterVec
	BatchesVerified    prometheus.Counter
	CertificatesIssued prometheus.Counter
	AnchorAttempts     *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "krishi_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status code",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
		ImagesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krishi_images_uploaded_total",
			Help: "Stage images accepted for screening",
		}),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krishi_screening_verdicts_total",
				Help: "Screening verdicts by outcome",
			},
			[]string{"verdict"},
		),
		ScreeningErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krishi_screening_errors_total",
			Help: "Images returned to the queue after a failed AI call",
		}),
		Reviews: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krishi_reviews_total",
				Help: "Admin review decisions on flagged images",
			},
			[]string{"decision"},
		),
		Appeals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krishi_appeals_total",
				Help: "Appeals filed and resolved",
			},
			[]string{"status"},
		),
		StagesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krishi_stages_completed_total",
				Help: "Completed growth stages by stage name",
			},
			[]string{"stage"},
		),
		BatchesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krishi_batches_verified_total",
			Help: "Batches with every stage verified",
		}),
		CertificatesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krishi_certificates_issued_total",
			Help: "Certificates issued",
		}),
		AnchorAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krishi_anchor_attempts_total",
				Help: "Blockchain anchor attempts by result",
			},
			[]string{"result"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krishi_breaker_transitions_total",
				Help: "Circuit breaker state changes by service",
			},
			[]string{"service", "from", "to"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "krishi_queue_depth",
				Help: "Work waiting on the system or on admins",
			},
			[]string{"queue"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPDuration,
		m.ImagesUploaded,
		m.Verdicts,
		m.ScreeningErrors,
		m.Reviews,
		m.Appeals,
		m.StagesCompleted,
		m.BatchesVerified,
		m.CertificatesIssued,
		m.AnchorAttempts,
		m.BreakerTransitions,
		m.QueueDepth,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one HTTP request against its route pattern.
func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// BreakerChanged matches the OnStateChange hook of the outbound HTTP callers.
func (m *Metrics) BreakerChanged(service, from, to string) {
	m.BreakerTransitions.WithLabelValues(service, from, to).Inc()
}
