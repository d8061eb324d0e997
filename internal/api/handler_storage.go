package api

import (
	"context"

	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/storage"
)

// StoragePoolList reports every ZFS pool on the host.
func (h *Handlers) StoragePoolList(call *Call) {
	h.async(call, "storage.pool.list", func(ctx context.Context) (any, error) {
		pools, err := h.store.PoolList(ctx)
		if err != nil {
			return nil, err
		}
		if pools == nil {
			pools = []storage.PoolInfo{}
		}
		return pools, nil
	})
}

// StorageZvolList reports every zvol on the host.
func (h *Handlers) StorageZvolList(call *Call) {
	h.async(call, "storage.zvol.list", func(ctx context.Context) (any, error) {
		vols, err := h.store.ZvolList(ctx)
		if err != nil {
			return nil, err
		}
		if vols == nil {
			vols = []storage.ZvolInfo{}
		}
		return vols, nil
	})
}

// StorageZvolCreate provisions a zvol at an explicit dataset path, outside
// the per-VM naming scheme.
func (h *Handlers) StorageZvolCreate(call *Call) {
	var p struct {
		ZvolPath string `json:"zvol_path"`
		Size     string `json:"size"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.ZvolPath == "" || p.Size == "" {
		call.Error(rpc.CodeInvalidParams, "zvol_path and size are required")
		return
	}
	h.async(call, "storage.zvol.create", func(ctx context.Context) (any, error) {
		if err := h.store.CreateDataset(ctx, p.ZvolPath, p.Size); err != nil {
			metrics.RecordStorageFailure("create")
			return nil, err
		}
		return map[string]any{}, nil
	})
}

// StorageZvolDelete destroys a zvol at an explicit dataset path.
func (h *Handlers) StorageZvolDelete(call *Call) {
	var p struct {
		ZvolPath string `json:"zvol_path"`
	}
	if !parseParams(call, &p) {
		return
	}
	if p.ZvolPath == "" {
		call.Error(rpc.CodeInvalidParams, "zvol_path is required")
		return
	}
	h.async(call, "storage.zvol.delete", func(ctx context.Context) (any, error) {
		if err := h.store.DestroyDataset(ctx, p.ZvolPath); err != nil {
			metrics.RecordStorageFailure("destroy")
			return nil, err
		}
		return map[string]any{}, nil
	})
}
