package virt

import (
	"github.com/google/uuid"
)

// Connector opens hypervisor connections. Each worker job connects on its
// own: the underlying library is not safe to share across the blocking
// calls a worker makes, and a wedged connection then only wedges one job.
type Connector interface {
	Connect() (Conn, error)
}

// Conn is the per-job hypervisor capability.
type Conn interface {
	LookupByUUID(id string) (Domain, error)
	LookupByName(name string) (Domain, error)
	DefineXML(xml string) (Domain, error)
	ListAllDomains() ([]Domain, error)
	Close() error
}

// Domain is a handle to a defined VM.
type Domain interface {
	Name() string
	UUID() string

	Start() error
	Destroy() error
	Shutdown() error
	Undefine(withMetadata bool) error

	IsActive() (bool, error)
	Info() (DomainInfo, error)
	XMLDesc() (string, error)
	MemoryStats() (MemStats, error)

	SetMemory(kib uint64, flags ModFlags) error
	SetVcpus(n int, flags ModFlags) error
	SetSchedulerQuota(quotaMicros int64) error
	SetMemoryHardLimit(kib uint64) error
	PinVcpu(vcpu, pcpu int) error

	AttachDevice(xml string, flags ModFlags) error
	DetachDevice(xml string, flags ModFlags) error
}

// Lookup resolves a client-supplied identifier, trying UUID form first and
// falling back to the domain name.
func Lookup(conn Conn, ident string) (Domain, error) {
	if _, err := uuid.Parse(ident); err == nil {
		if dom, err := conn.LookupByUUID(ident); err == nil {
			return dom, nil
		}
	}
	return conn.LookupByName(ident)
}

// UndefineWithFallback removes the persistent definition, first asking the
// hypervisor to also drop snapshot metadata and managed-save state, then
// retrying plain when the flagged form is rejected.
func UndefineWithFallback(dom Domain) error {
	if err := dom.Undefine(true); err == nil {
		return nil
	}
	return dom.Undefine(false)
}
