// Package metrics exposes Prometheus instrumentation for the review
// lifecycle engine and its HTTP boundary.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CasesCreated counts case creations by type.
	CasesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_cases_created_total",
			Help: "Total number of review cases created",
		},
		[]string{"type"},
	)

	// Transitions counts successful lifecycle transitions by target
	// status.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_transitions_total",
			Help: "Total number of lifecycle transitions",
		},
		[]string{"status"},
	)

	// PollRequests counts poll decisions by outcome.
	PollRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_poll_requests_total",
			Help: "Total number of poll requests",
		},
		[]string{"outcome"}, // ok, not_modified, rate_limited, not_found
	)

	// ActiveSubscribers tracks live event-stream subscribers across all
	// cases.
	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hitl_active_subscribers",
			Help: "Live event stream subscribers",
		},
	)

	// HTTPRequests counts HTTP requests by route, method and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hitl_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hitl_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordCaseCreated counts one created case.
func RecordCaseCreated(caseType string) {
	CasesCreated.WithLabelValues(caseType).Inc()
}

// RecordTransition counts one transition into the given status.
func RecordTransition(status string) {
	Transitions.WithLabelValues(status).Inc()
}

// RecordPoll counts one poll decision.
func RecordPoll(outcome string) {
	PollRequests.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records one finished HTTP request.
func RecordHTTPRequest(method, route string, status int,
	duration time.Duration) {

	HTTPRequests.WithLabelValues(
		method, route, strconv.Itoa(status),
	).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(
		duration.Seconds(),
	)
}
