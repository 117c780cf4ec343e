// Package metrics holds the Prometheus instruments shared by the security
// pipeline. Counters are package-level and registered on the default
// registry; store sizes are exported through gauge functions bound at
// startup with RegisterStoreGauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fantasyguard_requests_total",
			Help: "Total number of requests evaluated by the guard",
		},
	)

	RequestsBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_requests_blocked_total",
			Help: "Requests denied by the guard",
		},
		[]string{"reason"},
	)

	RequestsSuspicious = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fantasyguard_requests_suspicious_total",
			Help: "Requests whose risk score reached the logging threshold",
		},
	)

	ChallengesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fantasyguard_challenges_total",
			Help: "Requests flagged for an additional authentication challenge",
		},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_ratelimit_decisions_total",
			Help: "Rate limiter decisions by rule and outcome",
		},
		[]string{"rule", "outcome"},
	)

	RiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fantasyguard_risk_score",
			Help:    "Distribution of threat assessment risk scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	ThreatIndicators = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_threat_indicators_total",
			Help: "Threat indicators raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	EventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_events_recorded_total",
			Help: "Security events recorded by type and severity",
		},
		[]string{"event_type", "severity"},
	)

	PatternMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_pattern_matches_total",
			Help: "Threat pattern matches by pattern and whether the action ran",
		},
		[]string{"pattern", "outcome"},
	)

	IncidentsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_incidents_opened_total",
			Help: "Incidents opened by threat category",
		},
		[]string{"category"},
	)

	SinkDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fantasyguard_sink_dropped_total",
			Help: "Records dropped because the sink queue was full",
		},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_sink_errors_total",
			Help: "Failed sink writes by sink",
		},
		[]string{"sink"},
	)

	IngestedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_ingested_events_total",
			Help: "Events received from external producers by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	MaintenanceRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_maintenance_removed_total",
			Help: "Items removed by background maintenance tasks",
		},
		[]string{"task"},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fantasyguard_alerts_sent_total",
			Help: "Alerts handed to the notification subsystem by outcome",
		},
		[]string{"outcome"},
	)
)

// StoreSizes reports the current size of each in-memory store.
type StoreSizes func() map[string]int

// RegisterStoreGauges exposes one gauge per store name. It is safe to call
// once per process; later calls return the registration error.
func RegisterStoreGauges(reg prometheus.Registerer, names []string, sizes StoreSizes) error {
	for _, name := range names {
		store := name
		g := prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "fantasyguard_store_entries",
				Help:        "Current number of entries per in-memory store",
				ConstLabels: prometheus.Labels{"store": store},
			},
			func() float64 { return float64(sizes()[store]) },
		)
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
