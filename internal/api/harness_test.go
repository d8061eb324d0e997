package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HardcoreMonk/purecvisor/internal/config"
	"github.com/HardcoreMonk/purecvisor/internal/network"
	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/storage"
	"github.com/HardcoreMonk/purecvisor/internal/topology"
	"github.com/HardcoreMonk/purecvisor/internal/virt/virttest"
	"github.com/HardcoreMonk/purecvisor/internal/worker"
)

// testRunner records external tool invocations and replays canned results.
// It backs both the storage driver and the network manager in tests.
type testRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]testResult
}

type testResult struct {
	stdout string
	stderr string
	err    error
}

func newTestRunner() *testRunner {
	return &testRunner{results: make(map[string]testResult)}
}

func (f *testRunner) on(cmdline string, r testResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cmdline] = r
}

func (f *testRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmdline := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmdline)
	r, ok := f.results[cmdline]
	f.mu.Unlock()
	if ok {
		return r.stdout, r.stderr, r.err
	}
	return "", "", nil
}

func (f *testRunner) called(cmdline string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == cmdline {
			return true
		}
	}
	return false
}

type harness struct {
	dispatcher *Dispatcher
	handlers   *Handlers
	hv         *virttest.Hypervisor
	runner     *testRunner
	locks      *oplock.Table
	alloc      *topology.Allocator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	hv := virttest.NewHypervisor()
	runner := newTestRunner()

	cfg := config.Default()
	locks := oplock.NewTable()
	alloc := topology.NewAllocator()
	for i := 0; i < 4; i++ {
		alloc.AddCore(i, 0, true)
	}

	pool := worker.New(4, 64)
	pool.Start()
	t.Cleanup(pool.Stop)

	h := NewHandlers(
		cfg,
		locks,
		alloc,
		storage.NewDriverWithRunner("tank", runner),
		hv.Connector(),
		pool,
		network.NewManagerWithRunner(runner),
	)
	return &harness{
		dispatcher: NewDispatcher(h),
		handlers:   h,
		hv:         hv,
		runner:     runner,
		locks:      locks,
		alloc:      alloc,
	}
}

// send dispatches one raw line and returns the response line, or nil when
// none arrives within the timeout (notifications).
func (ha *harness) send(t *testing.T, line string, wait time.Duration) []byte {
	t.Helper()

	serverEnd, clientEnd := net.Pipe()
	defer clientEnd.Close()

	c := newClient(serverEnd)
	respCh := make(chan []byte, 1)
	go func() {
		r := bufio.NewReader(clientEnd)
		if l, err := r.ReadBytes('\n'); err == nil {
			respCh <- l
		}
	}()

	ha.dispatcher.DispatchLine([]byte(line), c)

	select {
	case resp := <-respCh:
		return resp
	case <-time.After(wait):
		return nil
	}
}

// call dispatches a request and decodes the response envelope.
func (ha *harness) call(t *testing.T, line string) *rpc.Response {
	t.Helper()
	raw := ha.send(t, line, 5*time.Second)
	if raw == nil {
		t.Fatalf("no response for %s", line)
	}
	var resp rpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("bad response %q: %v", raw, err)
	}
	return &resp
}

func (ha *harness) mustResult(t *testing.T, line string, into any) {
	t.Helper()
	resp := ha.call(t, line)
	if resp.Error != nil {
		t.Fatalf("request %s failed: %+v", line, resp.Error)
	}
	if into != nil {
		if err := json.Unmarshal(resp.Result, into); err != nil {
			t.Fatalf("bad result %s: %v", resp.Result, err)
		}
	}
}

func (ha *harness) mustError(t *testing.T, line string, wantCode int) *rpc.Error {
	t.Helper()
	resp := ha.call(t, line)
	if resp.Error == nil {
		t.Fatalf("request %s should fail, got result %s", line, resp.Result)
	}
	if resp.Error.Code != wantCode {
		t.Fatalf("request %s: expected code %d, got %d (%s)", line, wantCode, resp.Error.Code, resp.Error.Message)
	}
	return resp.Error
}
