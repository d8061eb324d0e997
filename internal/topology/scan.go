package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sysCPUDir = "/sys/devices/system/cpu"

// ScanHost populates the allocator from the host's sysfs topology.
// Isolation comes from the kernel's isolcpus list; cores missing a NUMA
// node entry are assigned to node 0.
func ScanHost(a *Allocator) error {
	return scanHost(a, sysCPUDir)
}

func scanHost(a *Allocator, base string) error {
	isolated, err := readCPUList(filepath.Join(base, "isolated"))
	if err != nil {
		return fmt.Errorf("read isolated cpus: %w", err)
	}
	isoSet := make(map[int]bool, len(isolated))
	for _, id := range isolated {
		isoSet[id] = true
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return fmt.Errorf("read cpu topology: %w", err)
	}

	found := 0
	for _, e := range entries {
		id, ok := cpuID(e.Name())
		if !ok {
			continue
		}
		a.AddCore(id, numaNodeOf(filepath.Join(base, e.Name())), isoSet[id])
		found++
	}
	if found == 0 {
		return fmt.Errorf("no cpus found under %s", base)
	}
	return nil
}

// cpuID extracts N from a "cpuN" directory name.
func cpuID(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "cpu")
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}

// numaNodeOf finds the nodeN entry inside a cpu directory.
func numaNodeOf(cpuDir string) int {
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), "node")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil {
			return n
		}
	}
	return 0
}

// readCPUList parses a kernel cpu list file ("2-5,8,10-11"). An absent or
// empty file yields an empty list.
func readCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseCPUList(strings.TrimSpace(string(data)))
}

// ParseCPUList expands a kernel-format cpu list into individual ids.
func ParseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad cpu list entry %q", part)
		}
		end := start
		if found {
			end, err = strconv.Atoi(hi)
			if err != nil || end < start {
				return nil, fmt.Errorf("bad cpu list range %q", part)
			}
		}
		for id := start; id <= end; id++ {
			out = append(out, id)
		}
	}
	return out, nil
}
