// Package metrics exposes engine observability through a dedicated
// Prometheus registry. Recording is nil-safe: until Init runs (metrics
// disabled), every record call is a no-op, so callers never guard.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	registry *prometheus.Registry

	rpcRequests  *prometheus.CounterVec
	vmLifecycle  *prometheus.CounterVec
	storageFails *prometheus.CounterVec

	jobDuration *prometheus.HistogramVec

	activeVMs      prometheus.Gauge
	reservedCores  prometheus.Gauge
	busyLocks      prometheus.Gauge
	vmCPUPercent   *prometheus.GaugeVec
	vmMemPercent   *prometheus.GaugeVec
}

var (
	mu     sync.Mutex
	global *engineMetrics
)

// Init builds the registry. Call once at boot when metrics are enabled.
func Init(namespace string) {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return
	}
	if namespace == "" {
		namespace = "purecvisor"
	}

	m := &engineMetrics{registry: prometheus.NewRegistry()}

	m.rpcRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "RPC requests by method and outcome",
	}, []string{"method", "outcome"})

	m.vmLifecycle = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vm_lifecycle_total",
		Help:      "VM lifecycle transitions by operation and outcome",
	}, []string{"op", "outcome"})

	m.storageFails = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "storage_command_failures_total",
		Help:      "Failed zfs/zpool invocations by verb",
	}, []string{"verb"})

	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_job_duration_seconds",
		Help:      "Worker job wall time by label",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"job", "outcome"})

	m.activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_vms",
		Help:      "Domains currently running",
	})

	m.reservedCores = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reserved_cores",
		Help:      "Host cores exclusively pinned to VMs",
	})

	m.busyLocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "busy_operation_locks",
		Help:      "VMs with a lifecycle operation in flight",
	})

	m.vmCPUPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vm_cpu_percent",
		Help:      "Sampled per-VM CPU utilization",
	}, []string{"vm"})

	m.vmMemPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vm_mem_percent",
		Help:      "Sampled per-VM memory utilization",
	}, []string{"vm"})

	m.registry.MustRegister(
		m.rpcRequests, m.vmLifecycle, m.storageFails, m.jobDuration,
		m.activeVMs, m.reservedCores, m.busyLocks, m.vmCPUPercent, m.vmMemPercent,
	)
	global = m
}

func get() *engineMetrics {
	mu.Lock()
	defer mu.Unlock()
	return global
}

// Handler serves the registry for scraping; nil when Init never ran.
func Handler() http.Handler {
	m := get()
	if m == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// RecordRPC counts a dispatched request.
func RecordRPC(method string, ok bool) {
	if m := get(); m != nil {
		m.rpcRequests.WithLabelValues(method, outcome(ok)).Inc()
	}
}

// RecordLifecycle counts a lifecycle transition.
func RecordLifecycle(op string, ok bool) {
	if m := get(); m != nil {
		m.vmLifecycle.WithLabelValues(op, outcome(ok)).Inc()
	}
}

// RecordStorageFailure counts a failed external tool invocation.
func RecordStorageFailure(verb string) {
	if m := get(); m != nil {
		m.storageFails.WithLabelValues(verb).Inc()
	}
}

// ObserveJob records a worker job's wall time.
func ObserveJob(label string, d time.Duration, ok bool) {
	if m := get(); m != nil {
		m.jobDuration.WithLabelValues(label, outcome(ok)).Observe(d.Seconds())
	}
}

// SetActiveVMs publishes the running-domain count.
func SetActiveVMs(n int) {
	if m := get(); m != nil {
		m.activeVMs.Set(float64(n))
	}
}

// SetReservedCores publishes the pinned-core count.
func SetReservedCores(n int) {
	if m := get(); m != nil {
		m.reservedCores.Set(float64(n))
	}
}

// SetBusyLocks publishes the in-flight operation count.
func SetBusyLocks(n int) {
	if m := get(); m != nil {
		m.busyLocks.Set(float64(n))
	}
}

// SetVMUtilization publishes one sampled VM's cpu/mem percentages.
func SetVMUtilization(vm string, cpu, mem int) {
	if m := get(); m != nil {
		m.vmCPUPercent.WithLabelValues(vm).Set(float64(cpu))
		m.vmMemPercent.WithLabelValues(vm).Set(float64(mem))
	}
}

// ForgetVM drops a deleted VM's utilization series.
func ForgetVM(vm string) {
	if m := get(); m != nil {
		m.vmCPUPercent.DeleteLabelValues(vm)
		m.vmMemPercent.DeleteLabelValues(vm)
	}
}
