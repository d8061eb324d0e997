package engine

import (
	"context"
	"errors"
	"time"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/topology"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
)

// selfHealDaemon releases CPU reservations left behind when a VM powers
// off outside a dispatcher-driven stop (guest shutdown, qemu crash). It
// claims the VM's operation lock before touching anything, so it can never
// race an in-flight lifecycle operation.
type selfHealDaemon struct {
	connector virt.Connector
	alloc     *topology.Allocator
	locks     *oplock.Table
	interval  time.Duration
}

func newSelfHealDaemon(connector virt.Connector, alloc *topology.Allocator, locks *oplock.Table, interval time.Duration) *selfHealDaemon {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &selfHealDaemon{connector: connector, alloc: alloc, locks: locks, interval: interval}
}

func (d *selfHealDaemon) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	logging.Op().Info("self-heal daemon started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("self-heal daemon stopped")
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *selfHealDaemon) sweep() {
	owners := d.alloc.Owners()
	if len(owners) == 0 {
		return
	}

	conn, err := d.connector.Connect()
	if err != nil {
		logging.Op().Debug("self-heal sweep skipped, hypervisor unreachable", "error", err)
		return
	}
	defer conn.Close()

	for _, vmID := range owners {
		// A busy VM is being handled by a dispatcher operation; leave it.
		if err := d.locks.TryLock(vmID, oplock.OpStopping); err != nil {
			continue
		}
		d.healOne(conn, vmID)
		d.locks.Unlock(vmID)
	}
}

func (d *selfHealDaemon) healOne(conn virt.Conn, vmID string) {
	dom, err := virt.Lookup(conn, vmID)
	if err != nil {
		if errors.Is(err, virt.ErrNotFound) {
			logging.Op().Warn("releasing cores of vanished VM", "vm", vmID)
			d.alloc.FreeVM(vmID)
			metrics.ForgetVM(vmID)
		}
		return
	}

	active, err := dom.IsActive()
	if err != nil || active {
		return
	}
	logging.Op().Info("VM powered off outside the engine, releasing its cores", "vm", vmID)
	d.alloc.FreeVM(vmID)
	_, reserved := d.alloc.Stats()
	metrics.SetReservedCores(reserved)
}
