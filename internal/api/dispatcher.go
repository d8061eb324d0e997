package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
	"github.com/HardcoreMonk/purecvisor/internal/metrics"
	"github.com/HardcoreMonk/purecvisor/internal/observability"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
)

// Call is the per-request context threaded through handlers and worker
// completions. Exactly one of Reply or Error fires per call; later
// invocations are ignored so racy completion paths stay harmless.
type Call struct {
	Method string
	ID     json.RawMessage
	Params json.RawMessage

	client       *Client
	notification bool
	span         trace.Span
	log          *slog.Logger
	finished     atomic.Bool
}

// Reply emits a success response and retires the call.
func (c *Call) Reply(result any) {
	c.finish(rpc.Success(c.ID, result), nil)
}

// Error emits an error response and retires the call.
func (c *Call) Error(code int, message string) {
	c.finish(rpc.Failure(c.ID, code, message), &rpc.Error{Code: code, Message: message})
}

// TagVM records the target VM on the call's span.
func (c *Call) TagVM(vmID string) {
	if c.span != nil {
		c.span.SetAttributes(observability.AttrVMID.String(vmID))
	}
}

func (c *Call) finish(payload []byte, callErr *rpc.Error) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}

	if !c.notification {
		c.client.send(payload)
	}
	metrics.RecordRPC(c.Method, callErr == nil)
	if c.span != nil {
		if callErr != nil {
			observability.SetSpanError(c.span, callErr)
		}
		c.span.End()
	}

	log := c.log
	if log == nil {
		log = logging.Op()
	}
	if callErr != nil {
		log.Debug("rpc failed", "method", c.Method, "code", callErr.Code, "error", callErr.Message)
	} else {
		log.Debug("rpc completed", "method", c.Method)
	}
	c.client.release()
}

type handlerFunc func(*Call)

// Dispatcher parses request lines and routes them through a static method
// table. One dispatcher serves every connection; per-connection framing is
// handled by the server's read loop.
type Dispatcher struct {
	handlers map[string]handlerFunc
}

func NewDispatcher(h *Handlers) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]handlerFunc)}

	d.handlers["ping"] = h.Ping
	d.handlers["vm.create"] = h.VMCreate
	d.handlers["vm.start"] = h.VMStart
	d.handlers["vm.stop"] = h.VMStop
	d.handlers["vm.delete"] = h.VMDelete
	d.handlers["vm.list"] = h.VMList
	d.handlers["vm.metrics"] = h.VMMetrics
	d.handlers["vm.limit"] = h.VMLimit
	d.handlers["vm.set_memory"] = h.VMSetMemory
	d.handlers["vm.set_vcpu"] = h.VMSetVcpu
	d.handlers["vm.snapshot.create"] = h.SnapshotCreate
	d.handlers["vm.snapshot.list"] = h.SnapshotList
	d.handlers["vm.snapshot.rollback"] = h.SnapshotRollback
	d.handlers["vm.snapshot.delete"] = h.SnapshotDelete
	d.handlers["device.disk.attach"] = h.DiskAttach
	d.handlers["device.disk.detach"] = h.DiskDetach
	d.handlers["get_vnc_info"] = h.VNCInfo
	d.handlers["network.create"] = h.NetworkCreate
	d.handlers["network.delete"] = h.NetworkDelete
	d.handlers["storage.pool.list"] = h.StoragePoolList
	d.handlers["storage.zvol.list"] = h.StorageZvolList
	d.handlers["storage.zvol.create"] = h.StorageZvolCreate
	d.handlers["storage.zvol.delete"] = h.StorageZvolDelete

	return d
}

// Methods lists the routable method names, sorted.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// DispatchLine processes one framed request. Protocol errors are answered
// immediately; everything else is routed to its handler, which replies
// either synchronously or from a worker completion.
func (d *Dispatcher) DispatchLine(line []byte, client *Client) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	if !json.Valid(line) {
		client.send(rpc.Failure(nil, rpc.CodeParseError, "JSON parse error"))
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		client.send(rpc.Failure(nil, rpc.CodeInvalidRequest, "Request must be an object"))
		return
	}
	if req.Method == "" {
		client.send(rpc.Failure(req.ID, rpc.CodeInvalidRequest, "Missing 'method'"))
		return
	}

	_, span := observability.StartRPCSpan(context.Background(), req.Method)

	call := &Call{
		Method:       req.Method,
		ID:           req.ID,
		Params:       req.Params,
		client:       client,
		notification: req.IsNotification(),
		span:         span,
		log:          logging.WithTrace(observability.TraceIDs(span)),
	}
	client.acquire()

	handler, ok := d.handlers[req.Method]
	if !ok {
		call.Error(rpc.CodeMethodNotFound, "Method not found")
		return
	}
	handler(call)
}
