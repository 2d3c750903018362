package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace groups every collector this package registers under one
// prometheus metric prefix.
const Namespace = "stratisd_go"

var (
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "mutation",
		Name:      "phase_duration_seconds",
		Help:      "Duration of one phase of a pool mutation (allocate, metadata_write, suspend, reload, resume, health_check, ...).",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"phase"})

	poolAvailability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "pool",
		Name:      "action_availability",
		Help:      "Current ActionAvailability rank for a pool: 2=Full, 1=NoRequests, 0=MaintenanceMode.",
	}, []string{"pool"})

	poolDataUsedBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "thinpool",
		Name:      "data_used_blocks",
		Help:      "Used data blocks reported by the thin-pool's dmsetup status line.",
	}, []string{"pool"})

	poolDataTotalBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "thinpool",
		Name:      "data_total_blocks",
		Help:      "Total data blocks provisioned to the thin-pool.",
	}, []string{"pool"})

	poolMetaUsedBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "thinpool",
		Name:      "metadata_used_blocks",
		Help:      "Used metadata blocks reported by the thin-pool's dmsetup status line.",
	}, []string{"pool"})

	poolMetaTotalBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "thinpool",
		Name:      "metadata_total_blocks",
		Help:      "Total metadata blocks provisioned to the thin-pool.",
	}, []string{"pool"})

	allocatorFreeSectors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "allocator",
		Name:      "free_sectors",
		Help:      "Free sectors remaining in one block device's free-extent list.",
	}, []string{"pool", "device"})

	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "mutation",
		Name:      "total",
		Help:      "Count of completed RequestHandler mutations by operation and outcome.",
	}, []string{"operation", "outcome"})

	hotplugEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "discovery",
		Name:      "hotplug_events_total",
		Help:      "Count of hotplug events observed by kind (add, remove, change).",
	}, []string{"kind"})
)

// ObservePhase records one phase duration into the mutation phase
// histogram. Exported so internal/engine can record phases that don't go
// through a Timer or RecordPhase (its metadata_write phase).
func ObservePhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetPoolAvailability publishes a pool's current ActionAvailability rank.
func SetPoolAvailability(poolName string, rank int) {
	poolAvailability.WithLabelValues(poolName).Set(float64(rank))
}

// SetThinPoolStatus publishes the four block counters from a parsed
// thin-pool status line.
func SetThinPoolStatus(poolName string, usedData, totalData, usedMeta, totalMeta uint64) {
	poolDataUsedBlocks.WithLabelValues(poolName).Set(float64(usedData))
	poolDataTotalBlocks.WithLabelValues(poolName).Set(float64(totalData))
	poolMetaUsedBlocks.WithLabelValues(poolName).Set(float64(usedMeta))
	poolMetaTotalBlocks.WithLabelValues(poolName).Set(float64(totalMeta))
}

// SetAllocatorFree publishes the free sector count for one device's
// free-extent list.
func SetAllocatorFree(poolName, deviceName string, freeSectors uint64) {
	allocatorFreeSectors.WithLabelValues(poolName, deviceName).Set(float64(freeSectors))
}

// RecordMutation increments the mutation counter for operation/outcome.
// outcome is normally "ok" or "error".
func RecordMutation(operation, outcome string) {
	mutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordHotplugEvent increments the hotplug event counter for kind
// ("add", "remove", "change").
func RecordHotplugEvent(kind string) {
	hotplugEventsTotal.WithLabelValues(kind).Inc()
}
