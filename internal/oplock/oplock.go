// Package oplock serializes mutating lifecycle operations per VM. Any
// non-idle operation rejects any other mutating operation on the same VM;
// read-only RPCs never consult the table.
package oplock

import (
	"fmt"
	"sync"
)

// Op identifies the lifecycle operation holding a VM's lock.
type Op int

const (
	OpIdle Op = iota
	OpCreating
	OpStarting
	OpStopping
	OpDeleting
	OpSnapshotting
	OpTuning
	OpAttaching
)

func (o Op) String() string {
	switch o {
	case OpIdle:
		return "idle"
	case OpCreating:
		return "creating"
	case OpStarting:
		return "starting"
	case OpStopping:
		return "stopping"
	case OpDeleting:
		return "deleting"
	case OpSnapshotting:
		return "snapshotting"
	case OpTuning:
		return "tuning"
	case OpAttaching:
		return "attaching"
	default:
		return "unknown"
	}
}

// BusyError names the operation already in flight on the VM.
type BusyError struct {
	VMID    string
	Current Op
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("VM %s is busy with another operation: %s", e.VMID, e.Current)
}

// Table maps VM identity to its current operation. Entries are created
// lazily by TryLock and removed by Unlock, so an idle VM has no entry.
type Table struct {
	mu  sync.Mutex
	ops map[string]Op
}

func NewTable() *Table {
	return &Table{ops: make(map[string]Op)}
}

// TryLock atomically claims vmID for op. It never blocks; a conflicting
// in-flight operation yields a *BusyError.
func (t *Table) TryLock(vmID string, op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := t.ops[vmID]; cur != OpIdle {
		return &BusyError{VMID: vmID, Current: cur}
	}
	t.ops[vmID] = op
	return nil
}

// Unlock returns vmID to idle. Unlocking an idle or unknown VM is safe.
func (t *Table) Unlock(vmID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, vmID)
}

// Current reports the operation in flight on vmID.
func (t *Table) Current(vmID string) Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ops[vmID]
}

// Busy counts VMs with a non-idle operation, for metrics.
func (t *Table) Busy() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}
