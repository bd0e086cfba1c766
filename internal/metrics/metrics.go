package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_attempts_dispatched_total",
			Help: "Dispatch jobs handled by the worker, by result",
		},
		[]string{"result"},
	)

	attemptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_attempt_outcomes_total",
			Help: "Attempts finalized without a match, by status and reason",
		},
		[]string{"status", "reason"},
	)

	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_tasks_finished_total",
			Help: "Tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	providerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dialer_provider_events_total",
			Help: "Provider call-status events received, by status",
		},
		[]string{"status"},
	)

	scheduleDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dialer_schedule_delay_seconds",
			Help:    "Delay applied when an attempt is enqueued",
			Buckets: []float64{0, 1, 5, 15, 30, 60, 120, 300, 900, 3600},
		},
	)
)

// Dispatch results.
const (
	DispatchPlaced   = "placed"
	DispatchDropped  = "dropped"
	DispatchDeferred = "deferred"
	DispatchExpired  = "expired"
	DispatchFailed   = "failed"
	DispatchResumed  = "resumed"
)

func AttemptDispatched(result string) {
	attemptsDispatched.WithLabelValues(result).Inc()
}

// AttemptOutcome records a finalized attempt. Free-form suffixes after ':'
// (e.g. provider error detail) are dropped to keep label cardinality bounded.
func AttemptOutcome(status, reason string) {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		reason = reason[:i]
	}
	attemptOutcomes.WithLabelValues(status, reason).Inc()
}

func TaskFinished(status string) {
	tasksFinished.WithLabelValues(status).Inc()
}

func ProviderEvent(status string) {
	providerEvents.WithLabelValues(status).Inc()
}

func ScheduleDelay(seconds float64) {
	scheduleDelay.Observe(seconds)
}
