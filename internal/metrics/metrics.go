package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "tickets",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		},
		[]string{"outcome"},
	)

	expired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "tickets",
			Name:      "expired_total",
			Help:      "Reserved numbers returned to the pool by expiry.",
		},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "reconcile",
			Name:      "outcomes_total",
			Help:      "Reconciliation runs by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "reconcile",
			Name:      "alerts_total",
			Help:      "Approved payments that could not be fulfilled.",
		},
		[]string{"reason"},
	)

	webhooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raffle",
			Subsystem: "webhook",
			Name:      "notifications_total",
			Help:      "Inbound provider notifications by kind and processed flag.",
		},
		[]string{"kind", "processed"},
	)

	sweeps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raffle",
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of sweeper runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		reservations,
		expired,
		reconciliations,
		alerts,
		webhooks,
		sweeps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// RecordReservation counts a reservation attempt: "ok", "conflict" or "error".
func RecordReservation(outcome string) {
	reservations.WithLabelValues(outcome).Inc()
}

// RecordExpired counts numbers released by the expiry path.
func RecordExpired(n int64) {
	if n > 0 {
		expired.Add(float64(n))
	}
}

// RecordReconcile counts one reconciliation run.
func RecordReconcile(trigger, result string) {
	reconciliations.WithLabelValues(trigger, result).Inc()
}

// RecordAlert counts an operational alert raised during reconciliation.
func RecordAlert(reason string) {
	alerts.WithLabelValues(reason).Inc()
}

// RecordWebhook counts an inbound notification.
func RecordWebhook(kind string, processed bool) {
	if kind == "" {
		kind = "unknown"
	}
	webhooks.WithLabelValues(kind, strconv.FormatBool(processed)).Inc()
}

// RecordSweep records the duration of one sweeper pass.
func RecordSweep(duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	sweeps.WithLabelValues(strconv.FormatBool(success)).Observe(duration.Seconds())
}
