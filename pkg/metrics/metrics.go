package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claimd_build_info",
			Help: "Build information of claimd",
		},
		[]string{"version", "commit", "date"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimd_claims_total",
			Help: "Total number of claim attempts",
		},
		[]string{"status"},
	)

	ClaimedTokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimd_claimed_tokens_total",
			Help: "Total tokens transferred by successful claims",
		},
	)

	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimd_claim_duration_seconds",
			Help:    "Duration of claim transactions, transfer included",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	AdminOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimd_admin_operations_total",
			Help: "Total number of administrative operations",
		},
		[]string{"operation", "status"},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claimd_transfer_duration_seconds",
			Help:    "Duration of vault transfer calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)
)
