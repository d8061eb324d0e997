package api

import (
	"context"

	"github.com/HardcoreMonk/purecvisor/internal/rpc"
)

// NetworkCreate provisions a host bridge in bridge or nat mode.
func (h *Handlers) NetworkCreate(call *Call) {
	var p struct {
		BridgeName string `json:"bridge_name"`
		Mode       string `json:"mode"`
		CIDR       string `json:"cidr"`
		PhysicalIf string `json:"physical_if"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.BridgeName == "" || p.Mode == "" {
		call.Error(rpc.CodeInvalidParams, "bridge_name and mode are required")
		return
	}
	h.async(call, "network.create", func(ctx context.Context) (any, error) {
		return nil, h.net.CreateBridge(ctx, p.BridgeName, p.Mode, p.CIDR, p.PhysicalIf)
	})
}

// NetworkDelete tears a host bridge down.
func (h *Handlers) NetworkDelete(call *Call) {
	var p struct {
		BridgeName string `json:"bridge_name"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.BridgeName == "" {
		call.Error(rpc.CodeInvalidParams, "bridge_name is required")
		return
	}
	h.async(call, "network.delete", func(ctx context.Context) (any, error) {
		return nil, h.net.DeleteBridge(ctx, p.BridgeName)
	})
}
