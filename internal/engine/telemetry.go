package engine

import (
	"context"
	"time"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
)

// telemetrySampleWindow is kept short so one sweep over many VMs finishes
// well inside the sampling interval.
const telemetrySampleWindow = 100 * time.Millisecond

// telemetryDaemon periodically samples per-VM utilization into the
// metrics gauges. It opens its own connection per sweep, like any worker.
type telemetryDaemon struct {
	connector virt.Connector
	interval  time.Duration
}

func newTelemetryDaemon(connector virt.Connector, interval time.Duration) *telemetryDaemon {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &telemetryDaemon{connector: connector, interval: interval}
}

func (d *telemetryDaemon) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	logging.Op().Info("telemetry daemon started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("telemetry daemon stopped")
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *telemetryDaemon) sweep(ctx context.Context) {
	conn, err := d.connector.Connect()
	if err != nil {
		logging.Op().Warn("telemetry sweep skipped, hypervisor unreachable", "error", err)
		return
	}
	defer conn.Close()

	doms, err := conn.ListAllDomains()
	if err != nil {
		logging.Op().Warn("telemetry sweep failed to list domains", "error", err)
		return
	}

	active := 0
	for _, dom := range doms {
		if ctx.Err() != nil {
			return
		}
		info, err := dom.Info()
		if err != nil || info.State != virt.StateRunning {
			continue
		}
		active++
		cpu, mem, err := virt.SampleUtilization(dom, telemetrySampleWindow)
		if err != nil {
			logging.Op().Debug("telemetry sample failed", "vm", dom.Name(), "error", err)
			continue
		}
		metrics.SetVMUtilization(dom.Name(), cpu, mem)
	}
	metrics.SetActiveVMs(active)
}
