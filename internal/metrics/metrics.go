package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	allocationDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rezerv",
			Name:      "allocation_decision_total",
			Help:      "Count of allocation decisions by outcome.",
		},
		[]string{"outcome"},
	)

	holdsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rezerv",
			Name:      "holds_expired_total",
			Help:      "Count of holds expired by the sweep.",
		},
	)

	sweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rezerv",
			Name:      "sweep_runs_total",
			Help:      "Count of hold expiry sweep runs.",
		},
	)

	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rezerv",
			Name:      "outbox_published_total",
			Help:      "Count of outbox publish attempts by result.",
		},
		[]string{"result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rezerv",
			Name:      "http_requests_total",
			Help:      "Count of HTTP API requests by handler.",
		},
		[]string{"handler"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(allocationDecision, holdsExpired, sweepRuns, outboxPublished, httpRequests)
	})
}

func IncDecision(outcome string) {
	allocationDecision.WithLabelValues(outcome).Inc()
}

func IncHoldsExpired() {
	holdsExpired.Inc()
}

func IncSweepRun() {
	sweepRuns.Inc()
}

func IncOutboxPublished(result string) {
	outboxPublished.WithLabelValues(result).Inc()
}

func IncHTTP(handler string) {
	httpRequests.WithLabelValues(handler).Inc()
}
