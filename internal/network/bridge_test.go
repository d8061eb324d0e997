package network

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeRunner struct {
	calls   []string
	results map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: make(map[string]error)}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmdline := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, cmdline)
	if err, ok := f.results[cmdline]; ok {
		return "", "simulated failure", err
	}
	return "", "", nil
}

func (f *fakeRunner) called(cmdline string) bool {
	for _, c := range f.calls {
		if c == cmdline {
			return true
		}
	}
	return false
}

func TestCreateBridgeMode(t *testing.T) {
	fr := newFakeRunner()
	m := NewManagerWithRunner(fr)

	if err := m.CreateBridge(context.Background(), "br0", "bridge", "", "eth1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for _, want := range []string{
		"ip link add br0 type bridge",
		"ip link set eth1 master br0",
		"ip link set br0 up",
	} {
		if !fr.called(want) {
			t.Errorf("missing command %q in %v", want, fr.calls)
		}
	}
}

func TestCreateBridgeModeRequiresPhysicalIf(t *testing.T) {
	m := NewManagerWithRunner(newFakeRunner())
	if err := m.CreateBridge(context.Background(), "br0", "bridge", "", ""); err == nil {
		t.Fatal("expected error without physical_if")
	}
}

func TestCreateNATMode(t *testing.T) {
	fr := newFakeRunner()
	// probe reports no existing rule
	fr.results["iptables -t nat -C POSTROUTING -s 192.168.50.0/24 -j MASQUERADE"] = errors.New("exit status 1")
	m := NewManagerWithRunner(fr)

	// ip_forward write fails in tests without privileges; only assert up to
	// the commands when running unprivileged.
	err := m.CreateBridge(context.Background(), "natbr0", "nat", "192.168.50.1/24", "")
	if err != nil && !strings.Contains(err.Error(), "ip forwarding") {
		t.Fatalf("create failed: %v", err)
	}
	for _, want := range []string{
		"ip link add natbr0 type bridge",
		"ip addr add 192.168.50.1/24 dev natbr0",
		"ip link set natbr0 up",
	} {
		if !fr.called(want) {
			t.Errorf("missing command %q in %v", want, fr.calls)
		}
	}
}

func TestCreateNATModeRequiresCIDR(t *testing.T) {
	m := NewManagerWithRunner(newFakeRunner())
	if err := m.CreateBridge(context.Background(), "br0", "nat", "", ""); err == nil {
		t.Fatal("expected error without cidr")
	}
}

func TestCreateUnknownMode(t *testing.T) {
	m := NewManagerWithRunner(newFakeRunner())
	if err := m.CreateBridge(context.Background(), "br0", "mesh", "", ""); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestCreateRollsBackOnEnslaveFailure(t *testing.T) {
	fr := newFakeRunner()
	fr.results["ip link set eth9 master br0"] = errors.New("exit status 1")
	m := NewManagerWithRunner(fr)

	if err := m.CreateBridge(context.Background(), "br0", "bridge", "", "eth9"); err == nil {
		t.Fatal("expected failure")
	}
	if !fr.called("ip link del br0") {
		t.Errorf("bridge should be torn down on failure: %v", fr.calls)
	}
}

func TestDeleteBridge(t *testing.T) {
	fr := newFakeRunner()
	m := NewManagerWithRunner(fr)

	if err := m.DeleteBridge(context.Background(), "br0"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !fr.called("ip link del br0") {
		t.Errorf("missing delete command: %v", fr.calls)
	}
}

func TestSubnetOf(t *testing.T) {
	cases := map[string]string{
		"192.168.50.1/24": "192.168.50.0/24",
		"10.0.0.1/16":     "10.0.0.0/16",
		"garbage":         "garbage",
	}
	for in, want := range cases {
		if got := subnetOf(in); got != want {
			t.Errorf("subnetOf(%q) = %q, want %q", in, got, want)
		}
	}
}
