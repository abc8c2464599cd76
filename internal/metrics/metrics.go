// Package metrics exposes Prometheus collectors for the tracksync service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionWaitSeconds       prometheus.Histogram
	searchWaitSeconds          *prometheus.HistogramVec
	runsSubmittedTotal         *prometheus.CounterVec

	queueDepth atomic.Pointer[func() int]

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracksync_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracksync_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		admissionWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tracksync_admission_wait_seconds",
				Help:    "Histogram of time items spent waiting for a rate window slot.",
				Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 900, 3600},
			},
		)

		searchWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracksync_search_wait_seconds",
				Help:    "Histogram of search request pacing waits, labeled by host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		runsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracksync_runs_submitted_total",
				Help: "Total number of runs submitted, labeled by input source.",
			},
			[]string{"source"},
		)

		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "tracksync_runs_queued",
				Help: "Runs waiting for a worker.",
			},
			func() float64 {
				if fn := queueDepth.Load(); fn != nil {
					return float64((*fn)())
				}
				return 0
			},
		)
	})
}

// SetQueueDepthSource installs the function sampled by the queued-runs gauge.
func SetQueueDepthSource(fn func() int) {
	if fn == nil {
		queueDepth.Store(nil)
		return
	}
	queueDepth.Store(&fn)
}

// SanitizeHost extracts a lowercase hostname from a URL or host string.
// It returns "unknown" if the input is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAdmissionWait records how long one item waited for the rate window.
func ObserveAdmissionWait(wait time.Duration) {
	admissionWaitSeconds.Observe(wait.Seconds())
}

// ObserveSearchWait records the pacing delay before a search request.
func ObserveSearchWait(host string, wait time.Duration) {
	searchWaitSeconds.WithLabelValues(SanitizeHost(host)).Observe(wait.Seconds())
}

// ObserveRunSubmitted counts a run accepted for the given input source.
func ObserveRunSubmitted(source string) {
	runsSubmittedTotal.WithLabelValues(source).Inc()
}
