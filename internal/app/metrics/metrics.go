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
			Namespace: "roomlift",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomlift",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roomlift",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	creditMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomlift",
			Subsystem: "ledger",
			Name:      "credit_mutations_total",
			Help:      "Total number of credit balance mutations by transaction type.",
		},
		[]string{"type", "outcome"},
	)

	insufficientCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomlift",
			Subsystem: "ledger",
			Name:      "insufficient_credits_total",
			Help:      "Total number of debits rejected for insufficient balance.",
		},
	)

	throttleClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomlift",
			Subsystem: "throttle",
			Name:      "claims_total",
			Help:      "Total number of usage window claims by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	jobOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roomlift",
			Subsystem: "staging",
			Name:      "jobs_total",
			Help:      "Total number of staging jobs by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roomlift",
			Subsystem: "staging",
			Name:      "job_duration_seconds",
			Help:      "Duration of staging jobs including the provider call.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4m
		},
		[]string{"kind"},
	)

	ledgerDivergence = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "roomlift",
			Subsystem: "ledger",
			Name:      "reconciliation_divergence_total",
			Help:      "Accounts whose balance disagreed with their transaction log sum.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		creditMutations,
		insufficientCredits,
		throttleClaims,
		jobOutcomes,
		jobDuration,
		ledgerDivergence,
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

// RecordCreditMutation records a ledger mutation attempt.
func RecordCreditMutation(txType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	creditMutations.WithLabelValues(txType, outcome).Inc()
}

// RecordInsufficientCredits records a debit rejected for insufficient balance.
func RecordInsufficientCredits() {
	insufficientCredits.Inc()
}

// RecordThrottleClaim records a usage window claim decision.
func RecordThrottleClaim(tool string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	throttleClaims.WithLabelValues(tool, outcome).Inc()
}

// RecordJob records a completed staging job.
func RecordJob(kind, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobOutcomes.WithLabelValues(kind, outcome).Inc()
	jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLedgerDivergence records an account flagged by reconciliation.
func RecordLedgerDivergence() {
	ledgerDivergence.Inc()
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

// canonicalPath collapses resource IDs so metric label cardinality stays
// bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/v1"
	}
	switch parts[1] {
	case "staging":
		if len(parts) >= 4 && parts[2] == "jobs" {
			return "/v1/staging/jobs/:job"
		}
	case "tools":
		if len(parts) >= 3 {
			return "/v1/tools/:tool"
		}
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
