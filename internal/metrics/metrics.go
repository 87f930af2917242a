// Package metrics holds the prometheus collectors of the export pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Remote calls
	RemoteCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvexport_remote_calls_total",
		Help: "The total number of remote store calls",
	}, []string{"op", "result"})

	RemoteCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "kvexport_remote_call_latency_seconds",
		Help: "The latency of remote store calls",
	}, []string{"op"})

	// Batches
	Batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvexport_batches_total",
		Help: "The total number of processed batches",
	}, []string{"mode", "result"})

	BatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "kvexport_batch_latency_seconds",
		Help: "The latency of batch extraction",
	}, []string{"mode"})

	// Keys
	KeysExported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvexport_keys_exported_total",
		Help: "The total number of keys merged into the snapshot",
	}, []string{"mode"})

	KeysSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvexport_keys_skipped_total",
		Help: "The total number of keys skipped during extraction",
	}, []string{"mode"})

	// Enumeration
	ScanPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvexport_scan_pages_total",
		Help: "The total number of SCAN pages fetched",
	})
)

func init() {
	prometheus.MustRegister(RemoteCalls)
	prometheus.MustRegister(RemoteCallLatency)
	prometheus.MustRegister(Batches)
	prometheus.MustRegister(BatchLatency)
	prometheus.MustRegister(KeysExported)
	prometheus.MustRegister(KeysSkipped)
	prometheus.MustRegister(ScanPages)
}
