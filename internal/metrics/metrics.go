// Package metrics exposes the process's Prometheus metrics: a private
// registry (so collection never fights another package's default registry)
// registered with Go runtime collectors plus the counters/gauges/histograms
// each pipeline stage updates. Namespace/subsystem layout follows the
// teacher's convention, renamed to this module's domain.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "routerd"

var (
	// Pool metrics
	PoolAlloc = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "alloc_total",
		Help:      "Batch allocations, by source (ring or new).",
	}, []string{"tid", "source"})

	PoolRecycle = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "recycle_total",
		Help:      "Batch recycles, by destination ring (own or overflow).",
	}, []string{"tid", "destination"})

	// Batcher metrics
	BatcherEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "batcher",
		Name:      "batches_emitted_total",
		Help:      "Batches emitted, by trigger (capacity or timeout).",
	}, []string{"trigger"})

	BatcherOpenNPkts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "batcher",
		Name:      "emitted_npkts",
		Help:      "Packet count of each emitted batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// LPM metrics
	LPMKernelSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lpm",
		Name:      "kernel_seconds",
		Help:      "Wall time spent in the LPM kernel launch call.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
	})

	LPMRoutes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lpm",
		Name:      "routes",
		Help:      "Number of routes in the currently loaded LPM table.",
	})

	// Transmit metrics
	TransmitSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transmit",
		Name:      "packets_sent_total",
		Help:      "Packets sent, by port and path (zerocopy or memcpy).",
	}, []string{"port", "path"})

	TransmitBackoff = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "transmit",
		Name:      "backoff_seconds",
		Help:      "Backoff duration observed waiting for a free ring slot.",
		Buckets:   []float64{.000001, .000002, .000004, .000008, .000016, .000032, .000064, .000128, .000256},
	})

	// System metrics
	SystemInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "info",
		Help:      "System information.",
	}, []string{"version", "commit", "build_date", "go_version"})

	SystemUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "uptime_seconds",
		Help:      "System uptime in seconds.",
	})

	RouteReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "route_reloads_total",
		Help:      "Route table reloads from the configured route source, by status.",
	}, []string{"status"})
)

var (
	registry  *prometheus.Registry
	regOnce   sync.Once
	startTime time.Time
)

// Init builds the private registry, registers every metric above plus Go
// runtime collectors, and starts the uptime updater. Safe to call more than
// once; only the first call takes effect.
func Init() {
	regOnce.Do(func() {
		startTime = time.Now()
		registry = prometheus.NewRegistry()

		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		registry.MustRegister(
			PoolAlloc, PoolRecycle,
			BatcherEmitted, BatcherOpenNPkts,
			LPMKernelSeconds, LPMRoutes,
			TransmitSent, TransmitBackoff,
			SystemInfo, SystemUptime, RouteReloads,
		)

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				SystemUptime.Set(time.Since(startTime).Seconds())
			}
		}()
	})
}

// Registry returns the private Prometheus registry metrics are registered
// against, for the control-plane API's /metrics handler to serve.
func Registry() *prometheus.Registry {
	return registry
}
