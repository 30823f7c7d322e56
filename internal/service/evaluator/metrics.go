package evaluator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the evaluator's Prometheus instrumentation. Callers get one
// from NewMetrics; when none is supplied the evaluator falls back to an
// unregistered instance (NewMetrics(nil)) so instrumentation calls are never
// guarded by nil checks on the hot path.
type Metrics struct {
	EvaluationsTotal *prometheus.CounterVec
	RuleMatchesTotal *prometheus.CounterVec
	EvalDuration     prometheus.Histogram
	RulesLoaded      prometheus.Gauge
	StateCacheSize   prometheus.Gauge
	RegexCacheSize   prometheus.Gauge
}

// NewMetrics registers the evaluator's metrics with reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EvaluationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rules_engine",
				Name:      "evaluations_total",
				Help:      "Total evaluate() calls by outcome.",
			},
			[]string{"outcome"}, // outcome=matched/unmatched/error
		),
		RuleMatchesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rules_engine",
				Name:      "rule_matches_total",
				Help:      "Total rule matches by action.",
			},
			[]string{"action"},
		),
		EvalDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "rules_engine",
				Name:      "evaluate_duration_seconds",
				Help:      "Duration of a full evaluate() pass.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RulesLoaded: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rules_engine",
				Name:      "rules_loaded",
				Help:      "Number of currently loaded enabled rules.",
			},
		),
		StateCacheSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rules_engine",
				Name:      "state_cache_size",
				Help:      "Number of conversation states currently cached.",
			},
		),
		RegexCacheSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "rules_engine",
				Name:      "regex_cache_size",
				Help:      "Number of distinct compiled regex entries cached.",
			},
		),
	}
}
