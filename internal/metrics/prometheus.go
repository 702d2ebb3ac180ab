// Package metrics wraps a Prometheus registry exposing the counters and
// gauges the agent and proxy emit while running. It mirrors the
// registry-construction idiom of the teacher's metrics package, with
// the collector set replaced by fleetd's own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the fleetd agent/proxy's Prometheus
// collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Lifecycle
	instancesCreated   prometheus.Counter
	instancesStarted   prometheus.Counter
	instancesStopped   prometheus.Counter
	instancesDestroyed prometheus.Counter
	instancesCrashed   prometheus.Counter
	instancesDeferred  prometheus.Counter
	instancesByStatus  *prometheus.GaugeVec

	// Snapshot engine
	snapshotsCreated *prometheus.CounterVec
	snapshotsHit     prometheus.Counter
	snapshotsMiss    prometheus.Counter
	snapshotRestoreMs prometheus.Histogram

	// Reconcile
	reconcileTicks     prometheus.Counter
	reconcileErrors    prometheus.Counter
	reconcileDurationMs prometheus.Histogram

	// Control plane
	controlPlaneRequests *prometheus.CounterVec
	controlPlaneRejected *prometheus.CounterVec

	// Proxy
	proxyWakesTotal      prometheus.Counter
	proxyWakeLatencyMs   prometheus.Histogram
	proxyConnectionsOpen *prometheus.GaugeVec
	proxyHealthFailures  prometheus.Counter
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var singleton *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under the
// given namespace (e.g. "fleetd_agent" or "fleetd_proxy").
func InitPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		instancesCreated:   counter(namespace, "instances_created_total", "Total instances created"),
		instancesStarted:   counter(namespace, "instances_started_total", "Total instances started"),
		instancesStopped:   counter(namespace, "instances_stopped_total", "Total instances stopped"),
		instancesDestroyed: counter(namespace, "instances_destroyed_total", "Total instances destroyed"),
		instancesCrashed:   counter(namespace, "instances_crashed_total", "Total instances found crashed by maintenance"),
		instancesDeferred:  counter(namespace, "instances_deferred_total", "Total TransitionDeferred policy decisions"),

		instancesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_by_status",
			Help:      "Current instance count by status",
		}, []string{"status"}),

		snapshotsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_created_total",
			Help:      "Total snapshots created by kind",
		}, []string{"kind"}), // base | delta

		snapshotsHit:  counter(namespace, "snapshots_hit_total", "Wake/start operations that found a usable snapshot"),
		snapshotsMiss: counter(namespace, "snapshots_miss_total", "Wake/start operations that fell back to cold boot"),
		snapshotRestoreMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_restore_milliseconds",
			Help:      "Duration of snapshot restore",
			Buckets:   []float64{50, 100, 200, 500, 1000, 2000, 5000},
		}),

		reconcileTicks:  counter(namespace, "reconcile_ticks_total", "Total reconcile loop iterations"),
		reconcileErrors: counter(namespace, "reconcile_errors_total", "Total per-instance errors collected during reconcile"),
		reconcileDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_milliseconds",
			Help:      "Duration of one reconcile pass",
			Buckets:   buckets,
		}),

		controlPlaneRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_plane_requests_total",
			Help:      "Control-plane requests by type and result",
		}, []string{"request_type", "result"}),

		controlPlaneRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_plane_rejected_total",
			Help:      "Control-plane requests rejected before execution",
		}, []string{"reason"}), // rate_limited | unsigned | malformed | cap_exceeded

		proxyWakesTotal: counter(namespace, "proxy_wakes_total", "Total WakeInstance calls issued by the proxy"),
		proxyWakeLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_wake_latency_milliseconds",
			Help:      "Time from Idle to Running observed by the proxy wake manager",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		proxyConnectionsOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxy_connections_open",
			Help:      "Currently open spliced connections by tenant",
		}, []string{"tenant_id"}),
		proxyHealthFailures: counter(namespace, "proxy_health_failures_total", "Health probe failures that reverted a gateway to Idle"),
	}

	registry.MustRegister(
		pm.instancesCreated, pm.instancesStarted, pm.instancesStopped,
		pm.instancesDestroyed, pm.instancesCrashed, pm.instancesDeferred,
		pm.instancesByStatus, pm.snapshotsCreated, pm.snapshotsHit,
		pm.snapshotsMiss, pm.snapshotRestoreMs, pm.reconcileTicks,
		pm.reconcileErrors, pm.reconcileDurationMs, pm.controlPlaneRequests,
		pm.controlPlaneRejected, pm.proxyWakesTotal, pm.proxyWakeLatencyMs,
		pm.proxyConnectionsOpen, pm.proxyHealthFailures,
	)

	singleton = pm
	return pm
}

func counter(namespace, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

// Get returns the process-wide metrics instance, or nil if
// InitPrometheus was never called (metrics are optional).
func Get() *PrometheusMetrics { return singleton }

// Handler returns the http.Handler serving this registry's /metrics.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func (pm *PrometheusMetrics) InstanceCreated()   { pm.instancesCreated.Inc() }
func (pm *PrometheusMetrics) InstanceStarted()   { pm.instancesStarted.Inc() }
func (pm *PrometheusMetrics) InstanceStopped()   { pm.instancesStopped.Inc() }
func (pm *PrometheusMetrics) InstanceDestroyed() { pm.instancesDestroyed.Inc() }
func (pm *PrometheusMetrics) InstanceCrashed()   { pm.instancesCrashed.Inc() }
func (pm *PrometheusMetrics) InstanceDeferred()  { pm.instancesDeferred.Inc() }

func (pm *PrometheusMetrics) SetInstancesByStatus(status string, n float64) {
	pm.instancesByStatus.WithLabelValues(status).Set(n)
}

func (pm *PrometheusMetrics) SnapshotCreated(kind string) { pm.snapshotsCreated.WithLabelValues(kind).Inc() }
func (pm *PrometheusMetrics) SnapshotHit()                { pm.snapshotsHit.Inc() }
func (pm *PrometheusMetrics) SnapshotMiss()               { pm.snapshotsMiss.Inc() }
func (pm *PrometheusMetrics) ObserveSnapshotRestoreMs(ms float64) { pm.snapshotRestoreMs.Observe(ms) }

func (pm *PrometheusMetrics) ReconcileTick()                { pm.reconcileTicks.Inc() }
func (pm *PrometheusMetrics) ReconcileError()                { pm.reconcileErrors.Inc() }
func (pm *PrometheusMetrics) ObserveReconcileDurationMs(ms float64) { pm.reconcileDurationMs.Observe(ms) }

func (pm *PrometheusMetrics) ControlPlaneRequest(reqType, result string) {
	pm.controlPlaneRequests.WithLabelValues(reqType, result).Inc()
}
func (pm *PrometheusMetrics) ControlPlaneRejected(reason string) {
	pm.controlPlaneRejected.WithLabelValues(reason).Inc()
}

func (pm *PrometheusMetrics) ProxyWake()                     { pm.proxyWakesTotal.Inc() }
func (pm *PrometheusMetrics) ObserveProxyWakeLatencyMs(ms float64) { pm.proxyWakeLatencyMs.Observe(ms) }
func (pm *PrometheusMetrics) SetProxyConnectionsOpen(tenant string, n float64) {
	pm.proxyConnectionsOpen.WithLabelValues(tenant).Set(n)
}
func (pm *PrometheusMetrics) ProxyHealthFailure() { pm.proxyHealthFailures.Inc() }
