package api

import (
	"context"
	"fmt"

	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
)

// DiskAttach hot-plugs a block device into a running domain and persists
// it in the definition.
func (h *Handlers) DiskAttach(call *Call) {
	var p struct {
		VMID   string `json:"vm_id"`
		Source string `json:"source"`
		Target string `json:"target"`
		Bus    string `json:"bus"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" || p.Source == "" || p.Target == "" {
		call.Error(rpc.CodeInvalidParams, "vm_id, source and target are required")
		return
	}
	call.TagVM(p.VMID)

	h.lockedJob(call, p.VMID, oplock.OpAttaching, "device.disk.attach",
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
			diskXML := virt.DiskAttachXML(p.Source, p.Target, p.Bus)
			if err := dom.AttachDevice(diskXML, virt.AffectLive|virt.AffectConfig); err != nil {
				return nil, fmt.Errorf("disk hotplug failed: %w", err)
			}
			return map[string]any{}, nil
		}, nil)
}

// DiskDetach removes a hot-plugged disk. The device element is sliced
// verbatim out of the live descriptor: the hypervisor matches detach
// requests structurally and rejects a reconstructed element.
func (h *Handlers) DiskDetach(call *Call) {
	var p struct {
		VMID   string `json:"vm_id"`
		Target string `json:"target"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.VMID == "" || p.Target == "" {
		call.Error(rpc.CodeInvalidParams, "vm_id and target are required")
		return
	}
	call.TagVM(p.VMID)

	h.lockedJob(call, p.VMID, oplock.OpAttaching, "device.disk.detach",
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
			liveXML, err := dom.XMLDesc()
			if err != nil {
				return nil, err
			}
			diskXML, found := virt.ExtractDiskXML(liveXML, p.Target)
			if !found {
				return nil, fmt.Errorf("disk with target '%s' not present in domain", p.Target)
			}
			if err := dom.DetachDevice(diskXML, virt.AffectLive); err != nil {
				return nil, fmt.Errorf("disk detach failed: %w", err)
			}
			return map[string]any{}, nil
		}, nil)
}
