package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)
	TransactionsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetstate_transactions_applied_total",
			Help: "Transactions appended to the log and materialized, by action.",
		},
		[]string{"action"},
	)
	ReadingsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetstate_readings_ingested_total",
			Help: "Raw sensor readings accepted into accumulators.",
		},
	)
	HourlyCommits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetstate_hourly_commits_total",
			Help: "Hourly aggregate transactions emitted by the sweep.",
		},
	)
	PresenceDemotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetstate_presence_offline_total",
			Help: "Devices demoted to offline by the presence sweep.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, TransactionsApplied, ReadingsIngested, HourlyCommits, PresenceDemotions)
}

func Handler() http.Handler { return promhttp.Handler() }

// Middleware counts requests per endpoint and status.
func Middleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			requestCounter.WithLabelValues(serviceName, r.URL.Path, r.Method, strconv.Itoa(rw.status)).Inc()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
