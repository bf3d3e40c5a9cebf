// metrics.go — Prometheus HTTP метрики VaultShare.
// Регистрирует метрики: vs_http_requests_total, vs_http_request_duration_seconds.
// Бизнес-метрики передач регистрируются здесь же и обновляются
// из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vs_http_requests_total",
			Help: "Общее количество HTTP-запросов к VaultShare",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	// Передачи длятся часами, поэтому верхние бакеты крупные.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vs_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к VaultShare в секундах",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600, 3600, 14400},
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// OperationsTotal — количество операций с результатом.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vs_operations_total",
			Help: "Общее количество операций над ссылками",
		},
		[]string{"operation", "result"},
	)

	// TransfersActive — число передач в процессе.
	TransfersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vs_transfers_active",
			Help: "Текущее количество активных загрузок и скачиваний",
		},
		[]string{"direction"},
	)

	// TransferBytesTotal — объём переданных данных.
	TransferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vs_transfer_bytes_total",
			Help: "Общий объём принятых и отданных байт",
		},
		[]string{"direction"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Путь берётся из шаблона маршрута chi, чтобы id ссылок не раздували
// кардинальность.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			path := routePattern(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// routePattern возвращает шаблон маршрута chi или "unmatched".
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
