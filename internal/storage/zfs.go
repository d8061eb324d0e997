// Package storage drives ZFS through the zfs/zpool command line tools.
// VM disks are zvols at <pool>/vms/<name>, exposed to QEMU as
// /dev/zvol/<pool>/vms/<name>. Every call maps to a single tool
// invocation, so each operation is atomic at the zfs level.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/HardcoreMonk/purecvisor/internal/logging"
)

// Driver executes zfs/zpool verbs for a single pool.
type Driver struct {
	runner Runner
	pool   string
}

func NewDriver(pool string) *Driver {
	return &Driver{runner: execRunner{}, pool: pool}
}

// NewDriverWithRunner lets tests substitute the tool runner.
func NewDriverWithRunner(pool string, r Runner) *Driver {
	return &Driver{runner: r, pool: pool}
}

// Pool returns the configured pool name.
func (d *Driver) Pool() string {
	return d.pool
}

// Dataset returns the zvol dataset path for a VM name.
func (d *Driver) Dataset(name string) string {
	return fmt.Sprintf("%s/vms/%s", d.pool, name)
}

// DevicePath returns the block device node backing a VM's zvol.
func (d *Driver) DevicePath(name string) string {
	return fmt.Sprintf("/dev/zvol/%s/vms/%s", d.pool, name)
}

func (d *Driver) zfs(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := d.runner.Run(ctx, "zfs", args...)
	if err != nil {
		return stdout, &CommandError{Tool: "zfs " + args[0], Stderr: stderr}
	}
	return stdout, nil
}

// CreateZvol provisions a fixed-size zvol for a VM.
func (d *Driver) CreateZvol(ctx context.Context, name string, sizeGB int) error {
	size := fmt.Sprintf("%dG", sizeGB)
	_, err := d.zfs(ctx, "create", "-V", size, d.Dataset(name))
	return err
}

// DestroyZvol removes a VM's zvol and its snapshots. Destroying an absent
// zvol succeeds so create-rollback and retries stay idempotent.
func (d *Driver) DestroyZvol(ctx context.Context, name string) error {
	return d.destroy(ctx, "-r", name)
}

// DestroyZvolDeep also removes dependent clones (-R). Used by vm.delete,
// where the zvol must be gone no matter what was layered on it.
func (d *Driver) DestroyZvolDeep(ctx context.Context, name string) error {
	return d.destroy(ctx, "-R", name)
}

func (d *Driver) destroy(ctx context.Context, flag, name string) error {
	_, err := d.zfs(ctx, "destroy", flag, d.Dataset(name))
	if err != nil && strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}

// SnapshotCreate takes a snapshot of a VM's zvol.
func (d *Driver) SnapshotCreate(ctx context.Context, name, snap string) error {
	_, err := d.zfs(ctx, "snapshot", d.Dataset(name)+"@"+snap)
	return err
}

// SnapshotRollback reverts the zvol to snap. The -r flag destroys every
// snapshot newer than the target.
func (d *Driver) SnapshotRollback(ctx context.Context, name, snap string) error {
	_, err := d.zfs(ctx, "rollback", "-r", d.Dataset(name)+"@"+snap)
	return err
}

// SnapshotDestroy removes a single snapshot.
func (d *Driver) SnapshotDestroy(ctx context.Context, name, snap string) error {
	_, err := d.zfs(ctx, "destroy", d.Dataset(name)+"@"+snap)
	return err
}

// SnapshotList returns the snapshot suffixes (the part after @) for a VM.
func (d *Driver) SnapshotList(ctx context.Context, name string) ([]string, error) {
	stdout, err := d.zfs(ctx, "list", "-t", "snapshot", "-H", "-o", "name", d.Dataset(name))
	if err != nil {
		return nil, err
	}
	var snaps []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if at := strings.LastIndex(line, "@"); at >= 0 && at+1 < len(line) {
			snaps = append(snaps, line[at+1:])
		}
	}
	return snaps, nil
}

// PoolInfo is one row of zpool list output.
type PoolInfo struct {
	Name   string `json:"name"`
	Size   string `json:"size"`
	Alloc  string `json:"alloc"`
	Free   string `json:"free"`
	Health string `json:"health"`
}

// PoolList enumerates all ZFS pools on the host.
func (d *Driver) PoolList(ctx context.Context) ([]PoolInfo, error) {
	stdout, stderr, err := d.runner.Run(ctx, "zpool", "list", "-H", "-o", "name,size,alloc,free,health")
	if err != nil {
		return nil, &CommandError{Tool: "zpool list", Stderr: stderr}
	}
	var pools []PoolInfo
	for _, row := range parseTabular(stdout, 5) {
		pools = append(pools, PoolInfo{
			Name: row[0], Size: row[1], Alloc: row[2], Free: row[3], Health: row[4],
		})
	}
	return pools, nil
}

// ZvolInfo is one row of zfs list output for volumes.
type ZvolInfo struct {
	Name    string `json:"name"`
	Volsize string `json:"volsize"`
	Used    string `json:"used"`
}

// ZvolList enumerates all zvols on the host.
func (d *Driver) ZvolList(ctx context.Context) ([]ZvolInfo, error) {
	stdout, err := d.zfs(ctx, "list", "-H", "-t", "volume", "-o", "name,volsize,used")
	if err != nil {
		return nil, err
	}
	var vols []ZvolInfo
	for _, row := range parseTabular(stdout, 3) {
		vols = append(vols, ZvolInfo{Name: row[0], Volsize: row[1], Used: row[2]})
	}
	return vols, nil
}

// CreateDataset provisions a zvol at an explicit dataset path with a raw
// size spec ("10G"). Backs the storage.zvol.create RPC.
func (d *Driver) CreateDataset(ctx context.Context, path, size string) error {
	_, err := d.zfs(ctx, "create", "-V", size, path)
	return err
}

// DestroyDataset removes a dataset at an explicit path. Unlike DestroyZvol
// this is not idempotent: callers asked for this exact path, so a missing
// target is their error to see.
func (d *Driver) DestroyDataset(ctx context.Context, path string) error {
	_, err := d.zfs(ctx, "destroy", "-r", path)
	return err
}

// parseTabular splits tool output into rows of exactly want columns,
// trimming whitespace. Short rows are dropped.
func parseTabular(stdout string, want int) [][]string {
	var rows [][]string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < want {
			logging.Op().Debug("skipping short tool output row", "line", line)
			continue
		}
		row := make([]string, want)
		for i := 0; i < want; i++ {
			row[i] = strings.TrimSpace(fields[i])
		}
		rows = append(rows, row)
	}
	return rows
}
