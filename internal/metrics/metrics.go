package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess = "success"
)

var (
	// FetchAttempts counts completed fetch attempts by calendar and result.
	// Result is "success" or the failure kind (transport, http_status,
	// parse, filter).
	FetchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calfeed_fetch_attempts_total",
			Help: "Total number of feed fetch attempts by calendar and result",
		},
		[]string{"calendar", "result"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calfeed_fetch_duration_seconds",
			Help:    "Duration of a fetch attempt including parsing and filtering",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"calendar"},
	)

	Events = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calfeed_events",
			Help: "Number of events currently held per calendar",
		},
		[]string{"calendar"},
	)

	LastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calfeed_last_success_timestamp_seconds",
			Help: "Unix time of the last successful fetch per calendar",
		},
		[]string{"calendar"},
	)
)

func init() {
	prometheus.MustRegister(FetchAttempts)
	prometheus.MustRegister(FetchDuration)
	prometheus.MustRegister(Events)
	prometheus.MustRegister(LastSuccess)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt records one finished attempt.
func ObserveAttempt(calendar, result string, d time.Duration) {
	FetchAttempts.WithLabelValues(calendar, result).Inc()
	FetchDuration.WithLabelValues(calendar).Observe(d.Seconds())
}

// ObserveSuccess records the event count and time of a successful attempt.
func ObserveSuccess(calendar string, events int, at time.Time) {
	Events.WithLabelValues(calendar).Set(float64(events))
	LastSuccess.WithLabelValues(calendar).Set(float64(at.Unix()))
}

// Forget drops all series of a calendar that is no longer running.
func Forget(calendar string) {
	FetchAttempts.DeletePartialMatch(prometheus.Labels{"calendar": calendar})
	FetchDuration.DeleteLabelValues(calendar)
	Events.DeleteLabelValues(calendar)
	LastSuccess.DeleteLabelValues(calendar)
}
