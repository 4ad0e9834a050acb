// Package metrics exposes the controller's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EdgeBandwidthCapacityBps is the bps_capacity gauge per directed edge.
	// It is registered, but no code in this repository sets it, so it
	// exports no series.
	EdgeBandwidthCapacityBps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdk_edge_bandwidth_capacity_bps",
			Help: "Observed capacity of a directed topology edge, in bits/sec",
		},
		[]string{"src_node_id", "dst_node_id"},
	)

	// EdgeBandwidthReservedBps is the bps_reserved gauge per directed edge.
	// It is registered, but no code in this repository sets it.
	EdgeBandwidthReservedBps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdk_edge_bandwidth_reserved_bps",
			Help: "Reserved bandwidth of a directed topology edge, in bits/sec",
		},
		[]string{"src_node_id", "dst_node_id"},
	)

	// EdgeUtilizationPct is the utilization-percentage gauge per edge. It is
	// registered, but no code in this repository sets it.
	EdgeUtilizationPct = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdk_edge_utilization_pct",
			Help: "Current utilization percentage of a directed topology edge",
		},
		[]string{"src_node_id", "dst_node_id"},
	)

	// AllocationsTotal counts admission outcomes by result.
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdk_allocations_total",
			Help: "Total allocation requests by outcome",
		},
		[]string{"result"}, // "success", "no-compute", "no-network", "partial-allocation"
	)

	// DeallocationsTotal counts deallocation requests.
	DeallocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fdk_deallocations_total",
			Help: "Total deallocation requests processed",
		},
	)

	// AllocationLatency records end-to-end allocate() duration.
	AllocationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdk_allocation_latency_seconds",
			Help:    "Latency of the full allocate() state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PollerDuration records how long each poller's work phase took.
	PollerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fdk_poller_duration_seconds",
			Help:    "Duration of one iteration of a periodic poller's work",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"poller"},
	)

	// DataplaneConfirmRetries counts confirm-by-poll retries per write kind.
	DataplaneConfirmRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdk_dataplane_confirm_retries_total",
			Help: "Confirmation poll retries issued against the SDN controller's operational store",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		EdgeBandwidthCapacityBps,
		EdgeBandwidthReservedBps,
		EdgeUtilizationPct,
		AllocationsTotal,
		DeallocationsTotal,
		AllocationLatency,
		PollerDuration,
		DataplaneConfirmRetries,
	)
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Handler returns the http.Handler the controller mounts at "/metrics".
func Handler() http.Handler {
	return promhttp.Handler()
}
