package api

import (
	"context"
	"errors"
	"time"

	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
)

// metricsSampleWindow separates the two cpu-time reads vm.metrics takes.
const metricsSampleWindow = 100 * time.Millisecond

type vmMetrics struct {
	CPU int `json:"cpu"`
	Mem int `json:"mem"`
}

// VMMetrics computes utilization from a two-sample cpu-time delta and the
// balloon's resident set. An inactive VM reports zeros rather than error.
func (h *Handlers) VMMetrics(call *Call) {
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

	h.async(call, "vm.metrics", func(ctx context.Context) (any, error) {
		conn, err := h.connect()
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		dom, err := virt.Lookup(conn, p.VMID)
		if err != nil {
			return nil, err
		}
		cpu, mem, err := virt.SampleUtilization(dom, metricsSampleWindow)
		if err != nil {
			return nil, err
		}
		metrics.SetVMUtilization(dom.Name(), cpu, mem)
		return vmMetrics{CPU: cpu, Mem: mem}, nil
	})
}

type vncInfo struct {
	VNCPort       string `json:"vnc_port"`
	WebsocketPort int    `json:"websocket_port,omitempty"`
}

// VNCInfo reports the display endpoint of a running domain.
func (h *Handlers) VNCInfo(call *Call) {
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

	h.async(call, "get_vnc_info", func(ctx context.Context) (any, error) {
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
			return nil, errors.New("VM is not running")
		}
		liveXML, err := dom.XMLDesc()
		if err != nil {
			return nil, err
		}
		port, websocket, err := virt.VNCInfo(liveXML)
		if err != nil {
			return nil, errors.New("VNC Graphics adapter not found")
		}
		return vncInfo{VNCPort: port, WebsocketPort: websocket}, nil
	})
}
