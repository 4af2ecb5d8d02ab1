package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "payments"

// Metrics holds the Prometheus collectors for HTTP traffic and settlement business events.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	checkoutsStarted  prometheus.Counter
	checkoutThrottled prometheus.Counter
	settlements       *prometheus.CounterVec
	voucherFailures   prometheus.Counter
	sessionsSwept     prometheus.Counter
	loginThrottled    prometheus.Counter
	gatewayQueries    *prometheus.CounterVec
	gatewayLatency    prometheus.Histogram
	authVerifications *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry together with the Go runtime and
// process collectors.
func NewMetrics(namespace string) *Metrics {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		checkoutsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_started_total",
			Help:      "Checkouts that produced a gateway redirect",
		}),
		checkoutThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_throttled_total",
			Help:      "Checkout requests rejected by the per-payer rate limit",
		}),
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_outcomes_total",
			Help:      "Gateway callbacks by settlement outcome",
		}, []string{"outcome"}),
		voucherFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voucher_apply_failures_total",
			Help:      "Settled orders whose voucher usage could not be recorded",
		}),
		sessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_sessions_swept_total",
			Help:      "Expired payment sessions removed by the sweeper",
		}),
		loginThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_throttled_total",
			Help:      "Login attempts rejected while the identity was blocked",
		}),
		gatewayQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_queries_total",
			Help:      "Transaction status queries sent to the payment gateway",
		}, []string{"outcome"}),
		gatewayLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_query_duration_seconds",
			Help:      "Latency of gateway transaction status queries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		authVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_verifications_total",
			Help:      "Token verification results",
		}, []string{"kind", "result", "reason"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Middleware records request counts and latency keyed by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		route := SanitizeRoute(routePattern(r))
		method := SanitizeMethod(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(recorder.Status())).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) CheckoutStarted() {
	if m != nil {
		m.checkoutsStarted.Inc()
	}
}

func (m *Metrics) CheckoutThrottled() {
	if m != nil {
		m.checkoutThrottled.Inc()
	}
}

func (m *Metrics) SettlementOutcome(outcome string) {
	if m != nil {
		m.settlements.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) VoucherApplyFailed() {
	if m != nil {
		m.voucherFailures.Inc()
	}
}

func (m *Metrics) SessionsSwept(count int) {
	if m != nil && count > 0 {
		m.sessionsSwept.Add(float64(count))
	}
}

func (m *Metrics) LoginThrottled() {
	if m != nil {
		m.loginThrottled.Inc()
	}
}

// ObserveGatewayQuery matches the gateway query client's observer hook.
func (m *Metrics) ObserveGatewayQuery(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.gatewayQueries.WithLabelValues(outcome).Inc()
	m.gatewayLatency.Observe(latency.Seconds())
}

// RecordVerification implements auth.MetricsRecorder.
func (m *Metrics) RecordVerification(kind string, success bool, reason string, _ time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.authVerifications.WithLabelValues(kind, result, reason).Inc()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
