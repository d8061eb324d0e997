package api

import (
	"context"

	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
)

type snapshotParams struct {
	VMID     string `json:"vm_id"`
	SnapName string `json:"snap_name"`
}

func (h *Handlers) snapshotParams(call *Call) (snapshotParams, bool) {
	var p snapshotParams
	if !parseParams(call, &p) {
		return p, false
	}
	if p.VMID == "" || p.SnapName == "" {
		call.Error(rpc.CodeInvalidParams, "Missing vm_id or snap_name")
		return p, false
	}
	call.TagVM(p.VMID)
	return p, true
}

// SnapshotCreate takes a zvol snapshot of the VM's disk.
func (h *Handlers) SnapshotCreate(call *Call) {
	p, ok := h.snapshotParams(call)
	if !ok {
		return
	}
	h.lockedJob(call, p.VMID, oplock.OpSnapshotting, "vm.snapshot.create",
		func(ctx context.Context) (any, error) {
			if err := h.store.SnapshotCreate(ctx, p.VMID, p.SnapName); err != nil {
				return nil, err
			}
			return true, nil
		}, nil)
}

// SnapshotRollback reverts the disk to a snapshot, destroying everything
// newer. The client is expected to have stopped the VM first.
func (h *Handlers) SnapshotRollback(call *Call) {
	p, ok := h.snapshotParams(call)
	if !ok {
		return
	}
	h.lockedJob(call, p.VMID, oplock.OpSnapshotting, "vm.snapshot.rollback",
		func(ctx context.Context) (any, error) {
			if err := h.store.SnapshotRollback(ctx, p.VMID, p.SnapName); err != nil {
				return nil, err
			}
			return true, nil
		}, nil)
}

// SnapshotDelete removes a single snapshot.
func (h *Handlers) SnapshotDelete(call *Call) {
	p, ok := h.snapshotParams(call)
	if !ok {
		return
	}
	h.lockedJob(call, p.VMID, oplock.OpSnapshotting, "vm.snapshot.delete",
		func(ctx context.Context) (any, error) {
			if err := h.store.SnapshotDestroy(ctx, p.VMID, p.SnapName); err != nil {
				return nil, err
			}
			return true, nil
		}, nil)
}

// SnapshotList enumerates snapshot names. Read-only: no lock.
func (h *Handlers) SnapshotList(call *Call) {
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
	h.async(call, "vm.snapshot.list", func(ctx context.Context) (any, error) {
		snaps, err := h.store.SnapshotList(ctx, p.VMID)
		if err != nil {
			return nil, err
		}
		if snaps == nil {
			snaps = []string{}
		}
		return snaps, nil
	})
}
