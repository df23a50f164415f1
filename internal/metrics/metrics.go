package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry holds the automation collectors; it is served by Handler.
var registry = prometheus.NewRegistry()

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerflow",
		Subsystem: "automation",
		Name:      "executions_total",
		Help:      "Rule executions by terminal status.",
	}, []string{"status"})

	skippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerflow",
		Subsystem: "automation",
		Name:      "executions_skipped_total",
		Help:      "Completed executions whose conditions were not met.",
	})

	executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledgerflow",
		Subsystem: "automation",
		Name:      "execution_duration_seconds",
		Help:      "Wall time from firing to terminal status.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	actionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerflow",
		Subsystem: "automation",
		Name:      "action_failures_total",
		Help:      "Actions that produced an error result, by action type.",
	}, []string{"type"})

	rulesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledgerflow",
		Subsystem: "automation",
		Name:      "rules",
		Help:      "Stored rules, split by enabled state.",
	}, []string{"state"})

	eventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerflow",
		Subsystem: "automation",
		Name:      "events_total",
		Help:      "Events received by the dispatcher.",
	})

	rateLimitDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerflow",
		Subsystem: "http",
		Name:      "rate_limit_drops_total",
		Help:      "Inbound requests rejected by the rate limiter, by route.",
	}, []string{"route"})
)

func init() {
	registry.MustRegister(
		executionsTotal, skippedTotal, executionDuration, actionFailures, rulesGauge, eventsTotal, rateLimitDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveExecution records one execution reaching a terminal status.
func ObserveExecution(status string, skipped bool, d time.Duration) {
	executionsTotal.WithLabelValues(status).Inc()
	if skipped {
		skippedTotal.Inc()
	}
	executionDuration.Observe(d.Seconds())
}

// IncActionFailure counts a failed action of the given type.
func IncActionFailure(actionType string) {
	if actionType == "" {
		actionType = "unknown"
	}
	actionFailures.WithLabelValues(actionType).Inc()
}

// SetRuleCounts publishes the current rule totals.
func SetRuleCounts(total, active int) {
	rulesGauge.WithLabelValues("enabled").Set(float64(active))
	rulesGauge.WithLabelValues("disabled").Set(float64(total - active))
}

// IncEvent counts an event seen by the dispatcher.
func IncEvent() {
	eventsTotal.Inc()
}

// IncRateLimitDrop counts a request rejected by the ingress limiter.
func IncRateLimitDrop(route string) {
	rateLimitDrops.WithLabelValues(route).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
