package storage

import (
	"context"
	"fmt"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
)

// Exorcise releases every holder of a zvol block device so the following
// zfs destroy can succeed: processes with open handles, LVM volume groups
// layered on top, filesystem signatures, and stale kernel partition maps.
//
// Each step is advisory. The subsequent destroy is the source of truth, so
// failures here are logged and skipped rather than propagated.
func (d *Driver) Exorcise(ctx context.Context, devPath string) {
	steps := []struct {
		name string
		args []string
	}{
		{"fuser", []string{"-k", devPath}},
		{"vgchange", []string{"-an", "--select", "pv_name=" + devPath}},
		{"wipefs", []string{"-a", devPath}},
		{"dd", []string{"if=/dev/zero", "of=" + devPath, "bs=1M", "count=10", "conv=fsync"}},
		{"partx", []string{"-d", devPath}},
		{"kpartx", []string{"-d", devPath}},
		{"partprobe", []string{devPath}},
		{"udevadm", []string{"settle"}},
	}

	// vgchange only matters when the device is actually a PV; probe first
	// so a clean device skips the LVM teardown entirely.
	if !d.isLVMPhysicalVolume(ctx, devPath) {
		steps = append(steps[:1], steps[2:]...)
	}

	for _, s := range steps {
		if _, stderr, err := d.runner.Run(ctx, s.name, s.args...); err != nil {
			logging.Op().Debug("device release step failed",
				"tool", s.name, "device", devPath, "stderr", stderr, "error", err)
		}
	}
}

func (d *Driver) isLVMPhysicalVolume(ctx context.Context, devPath string) bool {
	stdout, _, err := d.runner.Run(ctx, "pvs", "--noheadings", "-o", "pv_name", devPath)
	return err == nil && len(stdout) > 0
}

// DestroyWithRelease runs the release sequence and then destroys the zvol
// with dependents. This is the vm.delete storage path.
func (d *Driver) DestroyWithRelease(ctx context.Context, name string) error {
	d.Exorcise(ctx, d.DevicePath(name))
	if err := d.DestroyZvolDeep(ctx, name); err != nil {
		return fmt.Errorf("destroy zvol %s: %w", d.Dataset(name), err)
	}
	return nil
}
