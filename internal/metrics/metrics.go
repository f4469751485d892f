package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MetricTokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "labguard", Name: "token_validations_total", Help: "Token validation attempts by outcome"},
		[]string{"outcome"},
	)
	MetricRateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "labguard", Name: "rate_limit_hits_total", Help: "Requests rejected by the fixed-window rate limiter"},
		[]string{"identifier_type"},
	)
	MetricLoginLockouts = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "labguard", Name: "login_lockouts_total", Help: "Login attempt lockouts set"},
	)
	MetricAlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "labguard", Name: "alerts_fired_total", Help: "Alert events persisted by severity"},
		[]string{"severity"},
	)
	MetricAutoBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "labguard", Name: "auto_blocks_total", Help: "IP blocks issued by auto-actions and preemptive blocking"},
		[]string{"source"},
	)
	MetricReputationIncidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "labguard", Name: "reputation_incidents_total", Help: "Reputation incidents recorded by severity"},
		[]string{"severity"},
	)
	MetricHttpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labguard",
			Name:      "http_duration_seconds",
			Help:      "Latency of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
	MetricDBDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labguard",
			Name:      "db_op_duration_seconds",
			Help:      "Latency of security-store operations in seconds",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(MetricTokenValidations)
	prometheus.MustRegister(MetricRateLimitHits)
	prometheus.MustRegister(MetricLoginLockouts)
	prometheus.MustRegister(MetricAlertsFired)
	prometheus.MustRegister(MetricAutoBlocks)
	prometheus.MustRegister(MetricReputationIncidents)
	prometheus.MustRegister(MetricHttpDuration)
	prometheus.MustRegister(MetricDBDuration)
}
