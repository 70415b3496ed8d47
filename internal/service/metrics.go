package service

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orbitwatch_cycles_total", Help: "Poll cycles by service and status"},
		[]string{"service", "status"},
	)
	eventsIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "orbitwatch_events_indexed_total", Help: "Batch events persisted"},
	)
	incidentsFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "orbitwatch_incidents_fired_total", Help: "Incidents opened by the rule engine"},
	)
	alertsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "orbitwatch_alerts_sent_total", Help: "Alerts delivered by the outbox dispatcher"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, eventsIndexedTotal, incidentsFiredTotal, alertsSentTotal)
}
