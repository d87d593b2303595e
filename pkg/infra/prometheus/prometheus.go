package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	SubmissionsTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "formgate_submissions_total",
			Help: "Form submissions by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	SubmissionsDenied = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "formgate_submissions_denied_total",
			Help: "Denied submissions by denial reason",
		},
		[]string{"endpoint", "reason"},
	)

	ChallengeOutcomes = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "formgate_challenge_outcomes_total",
			Help: "Challenge submissions by outcome (correct, incorrect, exhausted)",
		},
		[]string{"outcome"},
	)

	TrustScore = promauto.With(registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formgate_trust_score",
			Help: "Last verified trust score per identity",
		},
		[]string{"identity"},
	)

	RiskLevel = promauto.With(registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formgate_risk_level",
			Help: "Ordinal risk level per identity (0=low 1=medium 2=high 3=critical)",
		},
		[]string{"identity"},
	)

	EventsProcessed = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "formgate_security_events_total",
			Help: "Security events consumed from the backend feed",
		},
		[]string{"type", "severity"},
	)

	RulesFired = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "formgate_response_rules_fired_total",
			Help: "Automated response rules fired, by rule and result",
		},
		[]string{"rule", "result"},
	)
)

func Initialize() {
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
}

// Handler serves the metrics endpoint for the metrics listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
