package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "settlement",
			Name:      "operations_total",
			Help:      "Total number of settlement operations by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	settlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow_layer",
			Subsystem: "settlement",
			Name:      "operation_duration_seconds",
			Help:      "Duration of settlement operations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"stage"},
	)

	escrowLocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "settlement",
			Name:      "units_locked_total",
			Help:      "Total ledger units locked into escrow wallets.",
		},
	)

	escrowReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrow_layer",
			Subsystem: "settlement",
			Name:      "units_released_total",
			Help:      "Total ledger units released from escrow wallets.",
		},
	)

	openDivergences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow_layer",
			Subsystem: "settlement",
			Name:      "open_divergences",
			Help:      "Number of unresolved ledger/bookkeeping divergences.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		settlements,
		settlementDuration,
		escrowLocked,
		escrowReleased,
		openDivergences,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSettlement records one settlement operation. stage is fund, handover,
// or release; outcome is confirmed or diverged.
func RecordSettlement(stage, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	settlements.WithLabelValues(stage, outcome).Inc()
	settlementDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordEscrowLocked adds to the locked units counter.
func RecordEscrowLocked(amount int64) {
	if amount > 0 {
		escrowLocked.Add(float64(amount))
	}
}

// RecordEscrowReleased adds to the released units counter.
func RecordEscrowReleased(amount int64) {
	if amount > 0 {
		escrowReleased.Add(float64(amount))
	}
}

// SetOpenDivergences reports the current number of unresolved divergences.
func SetOpenDivergences(n int) {
	openDivergences.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "shipments":
		if len(parts) == 1 {
			return "/shipments"
		}
		if len(parts) == 2 {
			return "/shipments/:id"
		}
		return "/shipments/:id/" + parts[2]
	case "users":
		if len(parts) == 1 {
			return "/users"
		}
		if len(parts) == 2 {
			return "/users/:id"
		}
		return "/users/:id/" + parts[2]
	case "track":
		return "/track/:code"
	default:
		return "/" + parts[0]
	}
}
