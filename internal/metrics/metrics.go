package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_service_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "order_service_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	orderOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_service_order_operations_total",
			Help: "Total number of order operations",
		},
		[]string{"operation", "status"},
	)

	adminNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "order_service_admin_notifications_total",
			Help: "Admin notifications pushed by the notifier",
		},
		[]string{"event", "status"},
	)
)

// Middleware records count and latency per route pattern, so /orders/{id} is one series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		httpRequestsTotal.WithLabelValues(r.Method, path, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordOrderOperation(operation string, success bool) {
	orderOperations.WithLabelValues(operation, outcome(success)).Inc()
}

func RecordNotification(event string, success bool) {
	adminNotifications.WithLabelValues(event, outcome(success)).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
