package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector manages the Prometheus metrics exported by the ledger service.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	reservationsTotal   *prometheus.CounterVec
	refundsTotal        prometheus.Counter
	insufficientCredits prometheus.Counter
}

// NewCollector creates and registers the collector on its own registry.
func NewCollector() *Collector {
	collector := &Collector{registry: prometheus.NewRegistry()}

	collector.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	collector.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	collector.reservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditledger_reservations_total",
			Help: "Credit reservations by outcome",
		},
		[]string{"outcome"},
	)
	collector.refundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "creditledger_refunds_total",
			Help: "Settlements that credited funds back",
		},
	)
	collector.insufficientCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "creditledger_insufficient_credits_total",
			Help: "Reservations rejected for insufficient balance",
		},
	)

	collector.registry.MustRegister(
		collector.httpRequestsTotal,
		collector.httpRequestDuration,
		collector.reservationsTotal,
		collector.refundsTotal,
		collector.insufficientCredits,
	)
	return collector
}

// Middleware collects request counts and latency per route.
func (collector *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		status := strconv.Itoa(ctx.Writer.Status())
		collector.httpRequestsTotal.WithLabelValues(ctx.Request.Method, endpoint, status).Inc()
		collector.httpRequestDuration.WithLabelValues(ctx.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the exposition endpoint.
func (collector *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(collector.registry, promhttp.HandlerOpts{})
}

// ObserveReservation records a reservation outcome label.
func (collector *Collector) ObserveReservation(outcome string) {
	collector.reservationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRefund records a settlement that moved funds back.
func (collector *Collector) ObserveRefund() {
	collector.refundsTotal.Inc()
}

// ObserveInsufficientCredits records a rejected reservation.
func (collector *Collector) ObserveInsufficientCredits() {
	collector.insufficientCredits.Inc()
}

// Registry exposes the underlying registry for tests.
func (collector *Collector) Registry() *prometheus.Registry {
	return collector.registry
}
