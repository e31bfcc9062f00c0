package cloudsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// syncPassesTotal counts sync passes by outcome
	syncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storedesk_sync_passes_total",
		Help: "Sync passes by outcome (ok, interrupted, error)",
	}, []string{"outcome"})

	// syncRecordsTotal counts replayed records by result
	syncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storedesk_sync_records_total",
		Help: "Queued records replayed by result (synced, failed, dropped)",
	}, []string{"result"})

	syncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storedesk_sync_pass_duration_seconds",
		Help:    "Sync pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// submissionsTotal counts router outcomes
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storedesk_submissions_total",
		Help: "Submitted records by outcome (persisted, queued, rejected, error)",
	}, []string{"outcome"})

	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storedesk_pending_records",
		Help: "Records waiting in the offline queue",
	})

	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storedesk_online",
		Help: "1 while the remote store is believed reachable",
	})
)
