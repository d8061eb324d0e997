package api

import (
	"context"
	"encoding/json"

	"github.com/HardcoreMonk/purecvisor/internal/config"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/network"
	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/storage"
	"github.com/HardcoreMonk/purecvisor/internal/topology"
	"github.com/HardcoreMonk/purecvisor/internal/virt"
	"github.com/HardcoreMonk/purecvisor/internal/worker"
)

// Handlers orchestrates the lifecycle transactions. Every mutating method
// follows the same shape: validate, claim the VM's operation lock, submit
// a worker job, and on completion release resources, unlock, and reply.
type Handlers struct {
	cfg       *config.Config
	locks     *oplock.Table
	alloc     *topology.Allocator
	store     *storage.Driver
	connector virt.Connector
	pool      *worker.Pool
	net       *network.Manager
}

func NewHandlers(
	cfg *config.Config,
	locks *oplock.Table,
	alloc *topology.Allocator,
	store *storage.Driver,
	connector virt.Connector,
	pool *worker.Pool,
	netMgr *network.Manager,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		locks:     locks,
		alloc:     alloc,
		store:     store,
		connector: connector,
		pool:      pool,
		net:       netMgr,
	}
}

// parseParams decodes the request params into v, answering invalid-params
// itself. Returns false when the call is already finished.
func parseParams(call *Call, v any) bool {
	if len(call.Params) == 0 {
		call.Error(rpc.CodeInvalidParams, "Missing params")
		return false
	}
	if err := json.Unmarshal(call.Params, v); err != nil {
		call.Error(rpc.CodeInvalidParams, "Invalid params: "+err.Error())
		return false
	}
	return true
}

// async runs a lock-free job (read-only or host-scoped) and replies with
// its outcome.
func (h *Handlers) async(call *Call, label string, run func(ctx context.Context) (any, error)) {
	job := worker.Job{
		Label: label,
		Run:   run,
		Done: func(result any, err error) {
			if err != nil {
				call.Error(rpc.CodeServerError, err.Error())
				return
			}
			call.Reply(result)
		},
	}
	if err := h.pool.Submit(job); err != nil {
		call.Error(rpc.CodeServerError, err.Error())
	}
}

// lockedJob claims vmID for op, runs the job, and unlocks when the
// response goes out. after (may be nil) runs before unlock with the job's
// outcome and handles resource release.
func (h *Handlers) lockedJob(call *Call, vmID string, op oplock.Op, label string,
	run func(ctx context.Context) (any, error),
	after func(result any, err error),
) {
	if err := h.locks.TryLock(vmID, op); err != nil {
		call.Error(rpc.CodeServerError, err.Error())
		return
	}
	metrics.SetBusyLocks(h.locks.Busy())

	job := worker.Job{
		Label: label,
		Run:   run,
		Done: func(result any, err error) {
			if after != nil {
				after(result, err)
			}
			h.locks.Unlock(vmID)
			metrics.SetBusyLocks(h.locks.Busy())
			metrics.RecordLifecycle(label, err == nil)
			if err != nil {
				call.Error(rpc.CodeServerError, err.Error())
				return
			}
			call.Reply(result)
		},
	}
	if err := h.pool.Submit(job); err != nil {
		h.locks.Unlock(vmID)
		metrics.SetBusyLocks(h.locks.Busy())
		call.Error(rpc.CodeServerError, err.Error())
	}
}

// connect opens the per-job hypervisor connection.
func (h *Handlers) connect() (virt.Conn, error) {
	return h.connector.Connect()
}

// Ping answers immediately; it exists so clients can probe the socket.
func (h *Handlers) Ping(call *Call) {
	call.Reply("pong")
}
