package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_generations_total",
			Help: "Terminal generation results by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	GenerationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_generation_latency_seconds",
			Help:    "Backend generation latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend"},
	)

	GenerationAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_generation_attempts",
			Help:    "Attempts consumed per terminal generation result",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"backend"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retries_total",
			Help: "Retries by backend and error kind",
		},
		[]string{"backend", "kind"},
	)

	OracleCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_oracle_calls_total",
			Help: "Oracle calls by kind and status",
		},
		[]string{"kind", "status"},
	)

	OracleTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_oracle_tokens_used",
			Help: "Oracle tokens used by model and type",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_cache_hits_total",
			Help: "Oracle cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_cache_misses_total",
			Help: "Oracle cache misses",
		},
		[]string{"cache_type"},
	)

	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_evaluations_total",
			Help: "Cue-retention evaluations by verdict",
		},
		[]string{"verdict"},
	)

	EvaluationsMissing = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_evaluations_missing_total",
			Help: "Scorable results left without an evaluation record",
		},
	)

	DisparityDelta = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_disparity_delta",
			Help: "Max-minus-min rate per axis and metric",
		},
		[]string{"axis", "metric"},
	)

	GroupSamples = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_group_samples",
			Help: "Sample count per attribute value in the last aggregation",
		},
		[]string{"axis", "value"},
	)
)

func Init() {
	prometheus.MustRegister(GenerationsTotal)
	prometheus.MustRegister(GenerationLatency)
	prometheus.MustRegister(GenerationAttempts)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(OracleCalls)
	prometheus.MustRegister(OracleTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(EvaluationsTotal)
	prometheus.MustRegister(EvaluationsMissing)
	prometheus.MustRegister(DisparityDelta)
	prometheus.MustRegister(GroupSamples)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
