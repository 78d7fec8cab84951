// Package metrics exposes ingestion-pipeline health via prometheus
// gauges and counters, registered at init and served over a plain
// http handler.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BlocksIngestedTotal counts blocks committed by the roll batch
	// engine.
	BlocksIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dolos_blocks_ingested_total",
			Help: "Total number of blocks committed to state/archive",
		},
	)

	// RollbacksTotal counts rollback events processed.
	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dolos_rollbacks_total",
			Help: "Total number of rollback events processed",
		},
	)

	// TipSlot is the slot of the last committed cursor.
	TipSlot = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dolos_tip_slot",
			Help: "Slot of the last committed state/archive cursor",
		},
	)

	// WalTipSlot is the slot of the write-ahead log tip.
	WalTipSlot = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dolos_wal_tip_slot",
			Help: "Slot of the write-ahead log tip",
		},
	)

	// EpochNumber is the current epoch counter.
	EpochNumber = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dolos_epoch_number",
			Help: "Current epoch counter",
		},
	)

	// WorkUnitDurationSeconds histograms the six-phase duration of a
	// work unit, split by kind (genesis, roll, forced_stop, rupd, ewrap,
	// estart; runs under ImportExecutor carry an "_import" suffix).
	WorkUnitDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dolos_work_unit_duration_seconds",
			Help:    "Duration of a work unit's load/compute/commit phases",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"kind"},
	)

	// WorkBatchSizeBlocks histograms the block count per roll batch.
	WorkBatchSizeBlocks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dolos_work_batch_size_blocks",
			Help:    "Number of blocks per committed roll batch",
			Buckets: prometheus.LinearBuckets(1, 50, 10),
		},
	)

	// TipSubscribersDropped counts subscribers force-dropped for lag.
	TipSubscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dolos_tip_subscribers_dropped_total",
			Help: "Total tip subscribers dropped for falling behind",
		},
	)

	// UpstreamReconnectsTotal counts reconnect attempts to the block
	// source after a transient disconnect.
	UpstreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dolos_upstream_reconnects_total",
			Help: "Total reconnect attempts to the upstream block source",
		},
	)

	// UpstreamRollbacksReceived counts Rollback frames received from the
	// upstream source, distinct from RollbacksTotal which counts this
	// node's own processed rollback operations.
	UpstreamRollbacksReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dolos_upstream_rollbacks_received_total",
			Help: "Total rollback frames received from the upstream block source",
		},
	)
)

func init() {
	prometheus.MustRegister(BlocksIngestedTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(TipSlot)
	prometheus.MustRegister(WalTipSlot)
	prometheus.MustRegister(EpochNumber)
	prometheus.MustRegister(WorkUnitDurationSeconds)
	prometheus.MustRegister(WorkBatchSizeBlocks)
	prometheus.MustRegister(TipSubscribersDropped)
	prometheus.MustRegister(UpstreamReconnectsTotal)
	prometheus.MustRegister(UpstreamRollbacksReceived)
}

// StartServer starts the metrics HTTP server on addr.
func StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Printf("[metrics] listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}
