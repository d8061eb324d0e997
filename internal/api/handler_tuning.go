package api

import (
	"context"
	"errors"

	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
)

// VMLimit applies live resource caps through the hypervisor's scheduler
// and memory controllers. cpu is a utilization percentage mapped onto a
// bandwidth quota against the 100ms scheduling period; -1 clears a cap.
func (h *Handlers) VMLimit(call *Call) {
	var p struct {
		VMID string `json:"vm_id"`
		CPU  *int   `json:"cpu"`
		Mem  *int   `json:"mem"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" {
		call.Error(rpc.CodeInvalidParams, "Missing vm_id")
		return
	}
	if p.CPU == nil && p.Mem == nil {
		call.Error(rpc.CodeInvalidParams, "At least one of cpu or mem is required")
		return
	}
	call.TagVM(p.VMID)

	h.lockedJob(call, p.VMID, oplock.OpTuning, "vm.limit",
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
				return nil, errors.New("VM is not running. Cannot apply live limits.")
			}

			if p.CPU != nil {
				quota := int64(*p.CPU) * 1000 // percent of the 100000us period
				if *p.CPU == -1 {
					quota = virt.SchedulerQuotaUnlimited
				}
				if err := dom.SetSchedulerQuota(quota); err != nil {
					return nil, err
				}
			}
			if p.Mem != nil {
				kib := uint64(*p.Mem) * 1024
				if *p.Mem == -1 {
					kib = virt.MemoryLimitUnlimited
				}
				if err := dom.SetMemoryHardLimit(kib); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}, nil)
}

// VMSetMemory hot-adjusts guest memory on the live instance and the
// persistent definition.
func (h *Handlers) VMSetMemory(call *Call) {
	var p struct {
		VMID     string `json:"vm_id"`
		MemoryMB int    `json:"memory_mb"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" || p.MemoryMB < 1 {
		call.Error(rpc.CodeInvalidParams, "vm_id and memory_mb (>= 1) are required")
		return
	}
	call.TagVM(p.VMID)

	h.lockedJob(call, p.VMID, oplock.OpTuning, "vm.set_memory",
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
			return nil, dom.SetMemory(uint64(p.MemoryMB)*1024, virt.AffectLive|virt.AffectConfig)
		}, nil)
}

// VMSetVcpu hot-adjusts the vCPU count on the live instance and the
// persistent definition.
func (h *Handlers) VMSetVcpu(call *Call) {
	var p struct {
		VMID      string `json:"vm_id"`
		VcpuCount int    `json:"vcpu_count"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" || p.VcpuCount < 1 {
		call.Error(rpc.CodeInvalidParams, "vm_id and vcpu_count (>= 1) are required")
		return
	}
	call.TagVM(p.VMID)

	h.lockedJob(call, p.VMID, oplock.OpTuning, "vm.set_vcpu",
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
			return nil, dom.SetVcpus(p.VcpuCount, virt.AffectLive|virt.AffectConfig)
		}, nil)
}
