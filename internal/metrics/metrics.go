package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency distributions.",
			Buckets: []float64{0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
	)

	// WithdrawalsTotal counts withdrawal outcomes: completed, failed,
	// pending_approval, rejected, insufficient_balance, unknown.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ganamos_withdrawals_total",
		Help: "Withdrawal requests by outcome.",
	}, []string{"outcome"})

	WithdrawnSatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ganamos_withdrawn_sats_total",
		Help: "Sats paid out over Lightning.",
	})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ganamos_withdrawal_approvals_total",
		Help: "Admin approval decisions by action.",
	}, []string{"action"})

	GatewayDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ganamos_lightning_pay_duration_seconds",
		Help:    "Latency of Lightning invoice payments.",
		Buckets: prometheus.DefBuckets,
	})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ganamos_notification_failures_total",
		Help: "Emails that could not be dispatched.",
	}, []string{"kind"})

	DevicePollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ganamos_device_polls_total",
		Help: "Device config polls by result.",
	}, []string{"result"})
)

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		// unmatched routes
		if path == "" {
			return
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
