package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HardcoreMonk/purecvisor/internal/config"
	"github.com/HardcoreMonk/purecvisor/internal/oplock"
	"github.com/HardcoreMonk/purecvisor/internal/rpc"
	"github.com/HardcoreMonk/purecvisor/internal/storage"
	"github.com/HardcoreMonk/purecvisor/internal/topology"
	"github.com/HardcoreMonk/purecvisor/internal/virt/virttest"
)

type nullRunner struct{}

func (nullRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	return "", "", nil
}

func testEngine(t *testing.T, hv *virttest.Hypervisor) (*Engine, *config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.Daemon.SocketPath = filepath.Join(t.TempDir(), "purecvisor.sock")
	cfg.Telemetry.SampleInterval = 50 * time.Millisecond
	cfg.Telemetry.SelfHealInterval = 50 * time.Millisecond

	alloc := topology.NewAllocator()
	for i := 0; i < 4; i++ {
		alloc.AddCore(i, 0, true)
	}

	e, err := New(cfg,
		WithConnector(hv.Connector()),
		WithAllocator(alloc),
		WithStorageDriver(storage.NewDriverWithRunner("tank", nullRunner{})),
	)
	if err != nil {
		t.Fatalf("engine assembly failed: %v", err)
	}
	return e, cfg
}

func TestEngineServesAndShutsDown(t *testing.T) {
	hv := virttest.NewHypervisor()
	e, cfg := testEngine(t, hv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	conn := dialEventually(t, cfg.Daemon.SocketPath)
	defer conn.Close()

	fmt.Fprintf(conn, `{"jsonrpc":"2.0","method":"ping","id":1}`+"\n")
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("no response: %v", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil || string(resp.Result) != `"pong"` {
		t.Fatalf("bad ping response: %s", raw)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("engine exited with error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}

	if _, err := os.Stat(cfg.Daemon.SocketPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed on shutdown")
	}
}

func TestEngineReplacesStaleSocket(t *testing.T) {
	hv := virttest.NewHypervisor()
	e, cfg := testEngine(t, hv)

	// simulate a leftover socket from a crashed run
	stale, err := net.Listen("unix", cfg.Daemon.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	stale.Close() // closes but the engine also handles a lingering file
	if _, err := os.Stat(cfg.Daemon.SocketPath); err != nil {
		// net package removed it on Close; recreate a plain file
		if err := os.WriteFile(cfg.Daemon.SocketPath, nil, 0600); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	conn := dialEventually(t, cfg.Daemon.SocketPath)
	conn.Close()
	cancel()
	<-done
}

func TestSelfHealReleasesCoresOfStoppedVM(t *testing.T) {
	hv := virttest.NewHypervisor()
	dom := hv.Add("vm-1", true)

	alloc := topology.NewAllocator()
	for i := 0; i < 4; i++ {
		alloc.AddCore(i, 0, true)
	}
	if _, err := alloc.AllocateExclusive("vm-1", 0, 2); err != nil {
		t.Fatal(err)
	}
	locks := oplock.NewTable()

	d := newSelfHealDaemon(hv.Connector(), alloc, locks, time.Second)

	// running VM keeps its reservation
	d.sweep()
	if len(alloc.Allocated("vm-1")) != 2 {
		t.Fatal("running VM lost its cores")
	}

	// guest powers itself off
	dom.Shutdown()
	d.sweep()
	if len(alloc.Allocated("vm-1")) != 0 {
		t.Fatal("cores not released after external shutdown")
	}
}

func TestSelfHealSkipsLockedVM(t *testing.T) {
	hv := virttest.NewHypervisor()
	hv.Add("vm-1", false)

	alloc := topology.NewAllocator()
	for i := 0; i < 2; i++ {
		alloc.AddCore(i, 0, true)
	}
	alloc.AllocateExclusive("vm-1", 0, 1)
	locks := oplock.NewTable()
	locks.TryLock("vm-1", oplock.OpStarting)

	d := newSelfHealDaemon(hv.Connector(), alloc, locks, time.Second)
	d.sweep()

	if len(alloc.Allocated("vm-1")) != 1 {
		t.Fatal("self-heal must not touch a VM with an operation in flight")
	}
	if locks.Current("vm-1") != oplock.OpStarting {
		t.Fatal("self-heal corrupted the lock state")
	}
}

func TestSelfHealReleasesVanishedVM(t *testing.T) {
	hv := virttest.NewHypervisor()

	alloc := topology.NewAllocator()
	alloc.AddCore(0, 0, true)
	alloc.AllocateExclusive("vm-gone", 0, 1)
	locks := oplock.NewTable()

	d := newSelfHealDaemon(hv.Connector(), alloc, locks, time.Second)
	d.sweep()

	if len(alloc.Allocated("vm-gone")) != 0 {
		t.Fatal("cores of undefined VM must be released")
	}
}

func dialEventually(t *testing.T, path string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("engine socket never came up")
	return nil
}
