package api

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/topology"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
	"github.com/HardcoreMonk/purecvisor/internal/worker"
)

const (
	defaultVcpuCount = 1
	defaultMemoryMB  = 1024
)

// VMCreate provisions the zvol, defines the domain, and rolls the zvol
// back when define fails.
func (h *Handlers) VMCreate(call *Call) {
	var p struct {
		Name          string `json:"name"`
		Vcpu          int    `json:"vcpu"`
		MemoryMB      int    `json:"memory_mb"`
		DiskSizeGB    int    `json:"disk_size_gb"`
		ISOPath       string `json:"iso_path"`
		NetworkBridge string `json:"network_bridge"`
	}
	if !parseParams(call, &p) {
		return
	}

	cfg := virt.VMConfig{
		Name:          p.Name,
		VCPUs:         p.Vcpu,
		MemoryMB:      p.MemoryMB,
		DiskSizeGB:    p.DiskSizeGB,
		ISOPath:       p.ISOPath,
		NetworkBridge: p.NetworkBridge,
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = defaultVcpuCount
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = h.cfg.Storage.DefaultDiskGB
	}
	if err := cfg.Validate(); err != nil {
		call.Error(rpc.CodeInvalidParams, err.Error())
		return
	}
	call.TagVM(cfg.Name)

	h.lockedJob(call, cfg.Name, oplock.OpCreating, "vm.create",
		func(ctx context.Context) (any, error) {
			return h.createVM(ctx, cfg)
		}, nil)
}

func (h *Handlers) createVM(ctx context.Context, cfg virt.VMConfig) (any, error) {
	if err := h.store.CreateZvol(ctx, cfg.Name, cfg.DiskSizeGB); err != nil {
		metrics.RecordStorageFailure("create")
		return nil, err
	}

	rollback := func(cause error) {
		if derr := h.store.DestroyZvol(ctx, cfg.Name); derr != nil {
			// The operator must reconcile by hand; keep the original error
			// for the client and make the orphan loud here.
			logging.Op().Error("CRITICAL: zvol rollback failed after define error, orphaned dataset remains",
				"dataset", h.store.Dataset(cfg.Name), "rollback_error", derr, "original_error", cause)
		}
	}

	xml, err := virt.BuildDomainXML(cfg, h.store.DevicePath(cfg.Name))
	if err != nil {
		rollback(err)
		return nil, err
	}

	conn, err := h.connect()
	if err != nil {
		rollback(err)
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.DefineXML(xml); err != nil {
		rollback(err)
		return nil, err
	}
	return true, nil
}

// VMStart boots a defined domain, pins its vCPUs onto exclusively
// allocated isolated cores, and optionally hot-attaches a bridge NIC.
// Allocation happens before the job so a conflicting start fails fast;
// the cores are returned on any failure.
func (h *Handlers) VMStart(call *Call) {
	var p struct {
		VMID       string `json:"vm_id"`
		NumaNode   int    `json:"numa_node"`
		VcpuCount  int    `json:"vcpu_count"`
		BridgeName string `json:"bridge_name"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" {
		call.Error(rpc.CodeInvalidParams, "Missing vm_id")
		return
	}
	if p.VcpuCount == 0 {
		p.VcpuCount = defaultVcpuCount
	}
	call.TagVM(p.VMID)

	if err := h.locks.TryLock(p.VMID, oplock.OpStarting); err != nil {
		call.Error(rpc.CodeServerError, err.Error())
		return
	}
	metrics.SetBusyLocks(h.locks.Busy())

	cores, err := h.alloc.AllocateExclusive(p.VMID, p.NumaNode, p.VcpuCount)
	if err != nil {
		h.locks.Unlock(p.VMID)
		metrics.SetBusyLocks(h.locks.Busy())
		if errors.Is(err, topology.ErrInsufficientCores) {
			call.Error(rpc.CodeServerError, "Not enough isolated CPU cores available.")
		} else {
			call.Error(rpc.CodeServerError, err.Error())
		}
		return
	}
	metrics.SetReservedCores(reservedCores(h.alloc))

	job := worker.Job{
		Label: "vm.start",
		Run: func(ctx context.Context) (any, error) {
			return nil, h.startVM(ctx, p.VMID, p.BridgeName, cores)
		},
		Done: func(result any, err error) {
			if err != nil {
				h.alloc.FreeVM(p.VMID)
				metrics.SetReservedCores(reservedCores(h.alloc))
			}
			h.locks.Unlock(p.VMID)
			metrics.SetBusyLocks(h.locks.Busy())
			metrics.RecordLifecycle("vm.start", err == nil)
			if err != nil {
				call.Error(rpc.CodeServerError, err.Error())
				return
			}
			call.Reply(nil)
		},
	}
	if err := h.pool.Submit(job); err != nil {
		h.alloc.FreeVM(p.VMID)
		h.locks.Unlock(p.VMID)
		metrics.SetBusyLocks(h.locks.Busy())
		call.Error(rpc.CodeServerError, err.Error())
	}
}

func (h *Handlers) startVM(ctx context.Context, vmID, bridge string, cores []int) error {
	conn, err := h.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dom, err := virt.Lookup(conn, vmID)
	if err != nil {
		return err
	}

	if err := dom.Start(); err != nil {
		return fmt.Errorf("failed to start VM: %w", err)
	}

	for i, pcpu := range cores {
		if err := dom.PinVcpu(i, pcpu); err != nil {
			logging.Op().Warn("failed to pin vCPU, continuing",
				"vm", vmID, "vcpu", i, "pcpu", pcpu, "error", err)
		}
	}

	if bridge != "" {
		netXML := virt.NetworkAttachXML(bridge, len(cores))
		if err := dom.AttachDevice(netXML, virt.AffectLive); err != nil {
			dom.Destroy()
			return fmt.Errorf("network hotplug failed: %w", err)
		}
	}
	return nil
}

// VMStop force-destroys the domain. Stopping an already-inactive VM
// succeeds so retries and crash cleanup converge.
func (h *Handlers) VMStop(call *Call) {
	var p struct {
		VMID string `json:"vm_id"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" {
		call.Error(rpc.CodeInvalidParams, "Missing vm_id")
		return
	}
	call.TagVM(p.VMID)

	h.lockedJob(call, p.VMID, oplock.OpStopping, "vm.stop",
		func(ctx context.Context) (any, error) {
			conn, err := h.connect()
			if err != nil {
				return nil, err
			}
			defer conn.Close()

			dom, err := virt.Lookup(conn, p.VMID)
			if err != nil {
				return nil, err
			}
			active, err := dom.IsActive()
			if err != nil {
				return nil, err
			}
			if !active {
				return nil, nil
			}
			if err := dom.Destroy(); err != nil {
				return nil, fmt.Errorf("failed to stop VM: %w", err)
			}
			return nil, nil
		},
		func(result any, err error) {
			if err == nil {
				h.alloc.FreeVM(p.VMID)
				metrics.SetReservedCores(reservedCores(h.alloc))
			}
		})
}

// VMDelete removes both halves of a VM: hypervisor definition and zvol.
// Existence is judged by probing both systems; only when neither knows
// the VM is the request an error.
func (h *Handlers) VMDelete(call *Call) {
	var p struct {
		VMID string `json:"vm_id"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" {
		call.Error(rpc.CodeInvalidParams, "Missing vm_id")
		return
	}
	call.TagVM(p.VMID)

	h.lockedJob(call, p.VMID, oplock.OpDeleting, "vm.delete",
		func(ctx context.Context) (any, error) {
			return h.deleteVM(ctx, p.VMID)
		},
		func(result any, err error) {
			if err == nil {
				h.alloc.FreeVM(p.VMID)
				metrics.SetReservedCores(reservedCores(h.alloc))
				metrics.ForgetVM(p.VMID)
			}
		})
}

func (h *Handlers) deleteVM(ctx context.Context, vmID string) (any, error) {
	conn, err := h.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dom, lookupErr := virt.Lookup(conn, vmID)
	name := vmID
	if lookupErr == nil {
		name = dom.Name()
	}

	_, statErr := os.Stat(h.store.DevicePath(name))
	zvolExists := statErr == nil

	if lookupErr != nil && !zvolExists {
		return nil, errors.New("Entity not found")
	}

	undefined := false
	if lookupErr == nil {
		info, err := dom.Info()
		if err == nil && (info.State == virt.StateRunning || info.State == virt.StatePaused || info.State == virt.StateBlocked) {
			if err := dom.Destroy(); err != nil {
				return nil, fmt.Errorf("failed to stop VM before delete: %w", err)
			}
		}
		if err := virt.UndefineWithFallback(dom); err != nil {
			return nil, fmt.Errorf("failed to undefine VM: %w", err)
		}
		undefined = true
	}

	if err := h.store.DestroyWithRelease(ctx, name); err != nil {
		metrics.RecordStorageFailure("destroy")
		if undefined {
			return nil, fmt.Errorf("VM XML deleted, but ZFS destroy failed: %s", err.Error())
		}
		return nil, err
	}

	return map[string]bool{"deleted": true}, nil
}

type vmListEntry struct {
	UUID  string `json:"uuid"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// VMList enumerates every defined domain. Read-only: no lock.
func (h *Handlers) VMList(call *Call) {
	h.async(call, "vm.list", func(ctx context.Context) (any, error) {
		conn, err := h.connect()
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		doms, err := conn.ListAllDomains()
		if err != nil {
			return nil, err
		}
		out := make([]vmListEntry, 0, len(doms))
		active := 0
		for _, dom := range doms {
			state := virt.StateUnknown
			if info, err := dom.Info(); err == nil {
				state = info.State
			}
			if state == virt.StateRunning {
				active++
			}
			out = append(out, vmListEntry{
				UUID:  dom.UUID(),
				Name:  dom.Name(),
				State: state.ListState(),
			})
		}
		metrics.SetActiveVMs(active)
		return out, nil
	})
}

func reservedCores(a *topology.Allocator) int {
	_, reserved := a.Stats()
	return reserved
}
