package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/HardcoreMonk/purecvisor/internal/rpc"
)

// startServer binds a unix socket in a temp dir and serves the harness's
// dispatcher on it.
func startServer(t *testing.T, ha *harness) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "purecvisor.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer(ha.dispatcher)
	go srv.Serve(ctx, ln)
	return path
}

type wireClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialWire(t *testing.T, path string) *wireClient {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wireClient{conn: conn, r: bufio.NewReader(conn)}
}

func (w *wireClient) roundTrip(t *testing.T, line string) *rpc.Response {
	t.Helper()
	if _, err := fmt.Fprintf(w.conn, "%s\n", line); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	raw, err := w.r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp rpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("bad response %q: %v", raw, err)
	}
	return &resp
}

func TestEndToEndLifecycle(t *testing.T) {
	ha := newHarness(t)
	path := startServer(t, ha)
	c := dialWire(t, path)

	// create
	resp := c.roundTrip(t, `{"jsonrpc":"2.0","method":"vm.create","params":{"name":"vm-1","vcpu":2,"memory_mb":1024,"disk_size_gb":10},"id":1}`)
	if resp.Error != nil || string(resp.Result) != "true" || string(resp.ID) != "1" {
		t.Fatalf("create: %+v %s", resp.Error, resp.Result)
	}

	// start
	resp = c.roundTrip(t, `{"jsonrpc":"2.0","method":"vm.start","params":{"vm_id":"vm-1","vcpu_count":2},"id":2}`)
	if resp.Error != nil || string(resp.Result) != "null" {
		t.Fatalf("start: %+v %s", resp.Error, resp.Result)
	}

	// list shows the running VM
	resp = c.roundTrip(t, `{"jsonrpc":"2.0","method":"vm.list","id":3}`)
	var entries []struct {
		UUID  string `json:"uuid"`
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Result, &entries); err != nil {
		t.Fatalf("list result: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "vm-1" || entries[0].State != "running" {
		t.Fatalf("unexpected list: %+v", entries)
	}

	// stop
	resp = c.roundTrip(t, `{"jsonrpc":"2.0","method":"vm.stop","params":{"vm_id":"vm-1"},"id":4}`)
	if resp.Error != nil || string(resp.Result) != "null" {
		t.Fatalf("stop: %+v", resp.Error)
	}

	// delete
	resp = c.roundTrip(t, `{"jsonrpc":"2.0","method":"vm.delete","params":{"vm_id":"vm-1"},"id":5}`)
	var deleted struct {
		Deleted bool `json:"deleted"`
	}
	if resp.Error != nil {
		t.Fatalf("delete: %+v", resp.Error)
	}
	if err := json.Unmarshal(resp.Result, &deleted); err != nil || !deleted.Deleted {
		t.Fatalf("delete result: %s", resp.Result)
	}

	// final list is empty
	resp = c.roundTrip(t, `{"jsonrpc":"2.0","method":"vm.list","id":6}`)
	entries = nil
	json.Unmarshal(resp.Result, &entries)
	if len(entries) != 0 {
		t.Fatalf("expected empty list, got %+v", entries)
	}
}

func TestParseErrorDoesNotDesyncConnection(t *testing.T) {
	ha := newHarness(t)
	path := startServer(t, ha)
	c := dialWire(t, path)

	resp := c.roundTrip(t, `{broken`)
	if resp.Error == nil || resp.Error.Code != rpc.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}

	// the next line on the same connection parses cleanly
	resp = c.roundTrip(t, `{"jsonrpc":"2.0","method":"ping","id":2}`)
	if resp.Error != nil || string(resp.Result) != `"pong"` {
		t.Fatalf("connection desynced: %+v %s", resp.Error, resp.Result)
	}
}

func TestMultipleClients(t *testing.T) {
	ha := newHarness(t)
	path := startServer(t, ha)

	c1 := dialWire(t, path)
	c2 := dialWire(t, path)

	if resp := c1.roundTrip(t, `{"jsonrpc":"2.0","method":"ping","id":1}`); resp.Error != nil {
		t.Fatal("client 1 failed")
	}
	if resp := c2.roundTrip(t, `{"jsonrpc":"2.0","method":"ping","id":1}`); resp.Error != nil {
		t.Fatal("client 2 failed")
	}
}

func TestClientDisconnectMidRequest(t *testing.T) {
	ha := newHarness(t)
	ha.hv.Add("vm-1", true)
	ha.hv.OpDelay = 150 * time.Millisecond
	path := startServer(t, ha)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(conn, `{"jsonrpc":"2.0","method":"vm.stop","params":{"vm_id":"vm-1"},"id":1}`+"\n")
	conn.Close() // disappear before the worker completes

	// the engine must stay healthy and finish the operation
	time.Sleep(400 * time.Millisecond)
	if ha.locks.Busy() != 0 {
		t.Fatal("lock leaked after client disconnect")
	}
	if ha.hv.Get("vm-1").Active() {
		t.Fatal("operation abandoned after client disconnect")
	}

	c := dialWire(t, path)
	if resp := c.roundTrip(t, `{"jsonrpc":"2.0","method":"ping","id":1}`); resp.Error != nil {
		t.Fatal("engine unhealthy after disconnect")
	}
}
