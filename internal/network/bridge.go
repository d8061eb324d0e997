// Package network manages host bridges for VM connectivity through the ip
// and iptables tools. Two modes exist: "bridge" enslaves a physical NIC
// for L2 access, "nat" gives the bridge a gateway address and masquerades
// outbound traffic.
package network

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes a host networking tool. Tests substitute a recorder.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.String(), errBuf.String(), err
}

// Manager creates and removes host bridges.
type Manager struct {
	runner Runner
}

func NewManager() *Manager {
	return &Manager{runner: execRunner{}}
}

func NewManagerWithRunner(r Runner) *Manager {
	return &Manager{runner: r}
}

func (m *Manager) run(ctx context.Context, name string, args ...string) error {
	_, stderr, err := m.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(stderr), err)
	}
	return nil
}

// CreateBridge provisions a bridge. For mode "nat", cidr names the gateway
// address and subnet ("192.168.50.1/24"); for mode "bridge", physicalIf is
// enslaved to the new bridge.
func (m *Manager) CreateBridge(ctx context.Context, name, mode, cidr, physicalIf string) error {
	switch mode {
	case "bridge", "nat":
	default:
		return fmt.Errorf("unknown network mode %q", mode)
	}

	// Creating an existing bridge is tolerated so retries converge.
	if err := m.run(ctx, "ip", "link", "add", name, "type", "bridge"); err != nil {
		if !strings.Contains(err.Error(), "File exists") {
			return err
		}
	}

	switch mode {
	case "bridge":
		if physicalIf == "" {
			return fmt.Errorf("bridge mode requires physical_if")
		}
		if err := m.run(ctx, "ip", "link", "set", physicalIf, "master", name); err != nil {
			m.run(ctx, "ip", "link", "del", name)
			return err
		}
	case "nat":
		if cidr == "" {
			return fmt.Errorf("nat mode requires cidr")
		}
		if err := m.run(ctx, "ip", "addr", "add", cidr, "dev", name); err != nil {
			if !strings.Contains(err.Error(), "File exists") {
				m.run(ctx, "ip", "link", "del", name)
				return err
			}
		}
	}

	if err := m.run(ctx, "ip", "link", "set", name, "up"); err != nil {
		m.run(ctx, "ip", "link", "del", name)
		return err
	}

	if mode == "nat" {
		if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0644); err != nil {
			return fmt.Errorf("enable ip forwarding: %w", err)
		}
		subnet := subnetOf(cidr)
		// -C probes for an existing rule so repeated creates stay idempotent.
		if err := m.run(ctx, "iptables", "-t", "nat", "-C", "POSTROUTING", "-s", subnet, "-j", "MASQUERADE"); err != nil {
			if err := m.run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-s", subnet, "-j", "MASQUERADE"); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteBridge tears a bridge down. The masquerade rule, if any, is removed
// best effort: the bridge going away is what matters.
func (m *Manager) DeleteBridge(ctx context.Context, name string) error {
	if out, _, err := m.runner.Run(ctx, "ip", "-o", "addr", "show", "dev", name); err == nil {
		for _, field := range strings.Fields(out) {
			if strings.Contains(field, "/") && strings.Count(field, ".") == 3 {
				m.run(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING", "-s", subnetOf(field), "-j", "MASQUERADE")
				break
			}
		}
	}
	return m.run(ctx, "ip", "link", "del", name)
}

// subnetOf derives the network address from a gateway cidr:
// "192.168.50.1/24" -> "192.168.50.0/24".
func subnetOf(cidr string) string {
	addr, mask, ok := strings.Cut(cidr, "/")
	if !ok {
		return cidr
	}
	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return cidr
	}
	parts[3] = "0"
	return strings.Join(parts, ".") + "/" + mask
}
