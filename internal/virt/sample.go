package virt

import (
	"time"
)

// SampleUtilization measures a domain's cpu and memory usage in percent,
// both clamped to [0, 100]. CPU comes from two cpu-time reads separated by
// the window, normalized by vCPU count; memory is the balloon's resident
// set against current memory. An inactive domain reports zeros.
func SampleUtilization(dom Domain, window time.Duration) (cpu, mem int, err error) {
	first, err := dom.Info()
	if err != nil {
		return 0, 0, err
	}
	if first.State != StateRunning {
		return 0, 0, nil
	}

	start := time.Now()
	time.Sleep(window)

	second, err := dom.Info()
	if err != nil {
		return 0, 0, err
	}
	wallNs := time.Since(start).Nanoseconds()
	if wallNs <= 0 {
		wallNs = window.Nanoseconds()
	}

	vcpus := second.VCPUs
	if vcpus < 1 {
		vcpus = 1
	}
	cpuDelta := int64(second.CPUTimeNs) - int64(first.CPUTimeNs)
	if cpuDelta < 0 {
		cpuDelta = 0
	}
	cpu = clampPercent(cpuDelta * 100 / (wallNs * int64(vcpus)))

	if stats, serr := dom.MemoryStats(); serr == nil && second.MemoryKiB > 0 {
		mem = clampPercent(int64(stats.RSSKiB) * 100 / int64(second.MemoryKiB))
	}
	return cpu, mem, nil
}

func clampPercent(v int64) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(v)
}
