package virt

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"
)

// libvirt typed-parameter discriminants and field names used below.
const (
	typedParamLLong  = 3
	typedParamULLong = 4

	schedFieldVcpuQuota = "vcpu_quota"
	memFieldHardLimit   = "hard_limit"
)

type libvirtConnector struct {
	socketPath string
}

// NewConnector returns the production connector dialing the local libvirt
// daemon socket.
func NewConnector(socketPath string) Connector {
	return &libvirtConnector{socketPath: socketPath}
}

func (c *libvirtConnector) Connect() (Conn, error) {
	l := libvirt.NewWithDialer(dialers.NewLocal(dialers.WithSocket(c.socketPath)))
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("connect to libvirt at %s: %w", c.socketPath, err)
	}
	return &libvirtConn{l: l}, nil
}

type libvirtConn struct {
	l *libvirt.Libvirt
}

func (c *libvirtConn) Close() error {
	return c.l.Disconnect()
}

func (c *libvirtConn) LookupByUUID(id string) (Domain, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	dom, err := c.l.DomainLookupByUUID(libvirt.UUID(u))
	if err != nil {
		return nil, fmt.Errorf("%w: uuid %s", ErrNotFound, id)
	}
	return &libvirtDomain{l: c.l, dom: dom}, nil
}

func (c *libvirtConn) LookupByName(name string) (Domain, error) {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: name %s", ErrNotFound, name)
	}
	return &libvirtDomain{l: c.l, dom: dom}, nil
}

func (c *libvirtConn) DefineXML(xml string) (Domain, error) {
	dom, err := c.l.DomainDefineXML(xml)
	if err != nil {
		return nil, fmt.Errorf("define domain: %w", err)
	}
	return &libvirtDomain{l: c.l, dom: dom}, nil
}

func (c *libvirtConn) ListAllDomains() ([]Domain, error) {
	doms, _, err := c.l.ConnectListAllDomains(1,
		libvirt.ConnectListDomainsActive|libvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	out := make([]Domain, len(doms))
	for i, d := range doms {
		out[i] = &libvirtDomain{l: c.l, dom: d}
	}
	return out, nil
}

type libvirtDomain struct {
	l   *libvirt.Libvirt
	dom libvirt.Domain
}

func (d *libvirtDomain) Name() string {
	return d.dom.Name
}

func (d *libvirtDomain) UUID() string {
	return uuid.UUID(d.dom.UUID).String()
}

func (d *libvirtDomain) Start() error {
	return d.l.DomainCreate(d.dom)
}

func (d *libvirtDomain) Destroy() error {
	return d.l.DomainDestroy(d.dom)
}

func (d *libvirtDomain) Shutdown() error {
	return d.l.DomainShutdown(d.dom)
}

func (d *libvirtDomain) Undefine(withMetadata bool) error {
	if !withMetadata {
		return d.l.DomainUndefine(d.dom)
	}
	return d.l.DomainUndefineFlags(d.dom,
		libvirt.DomainUndefineManagedSave|libvirt.DomainUndefineSnapshotsMetadata)
}

func (d *libvirtDomain) IsActive() (bool, error) {
	active, err := d.l.DomainIsActive(d.dom)
	if err != nil {
		return false, err
	}
	return active == 1, nil
}

func (d *libvirtDomain) Info() (DomainInfo, error) {
	state, maxMem, memory, vcpus, cpuTime, err := d.l.DomainGetInfo(d.dom)
	if err != nil {
		return DomainInfo{}, err
	}
	return DomainInfo{
		State:     mapState(int32(state)),
		MaxMemKiB: maxMem,
		MemoryKiB: memory,
		VCPUs:     int(vcpus),
		CPUTimeNs: cpuTime,
	}, nil
}

func (d *libvirtDomain) XMLDesc() (string, error) {
	return d.l.DomainGetXMLDesc(d.dom, 0)
}

func (d *libvirtDomain) MemoryStats() (MemStats, error) {
	stats, err := d.l.DomainMemoryStats(d.dom, uint32(libvirt.DomainMemoryStatNr), 0)
	if err != nil {
		return MemStats{}, err
	}
	var out MemStats
	for _, s := range stats {
		switch int32(s.Tag) {
		case int32(libvirt.DomainMemoryStatRss):
			out.RSSKiB = s.Val
		case int32(libvirt.DomainMemoryStatAvailable):
			out.AvailableKiB = s.Val
		}
	}
	return out, nil
}

func (d *libvirtDomain) SetMemory(kib uint64, flags ModFlags) error {
	return d.l.DomainSetMemoryFlags(d.dom, kib, modFlags(flags))
}

func (d *libvirtDomain) SetVcpus(n int, flags ModFlags) error {
	return d.l.DomainSetVcpusFlags(d.dom, uint32(n), modFlags(flags))
}

func (d *libvirtDomain) SetSchedulerQuota(quotaMicros int64) error {
	params := []libvirt.TypedParam{{
		Field: schedFieldVcpuQuota,
		Value: libvirt.TypedParamValue{D: typedParamLLong, I: quotaMicros},
	}}
	return d.l.DomainSetSchedulerParametersFlags(d.dom, params, uint32(libvirt.DomainAffectLive))
}

func (d *libvirtDomain) SetMemoryHardLimit(kib uint64) error {
	params := []libvirt.TypedParam{{
		Field: memFieldHardLimit,
		Value: libvirt.TypedParamValue{D: typedParamULLong, I: kib},
	}}
	return d.l.DomainSetMemoryParameters(d.dom, params, uint32(libvirt.DomainAffectLive))
}

func (d *libvirtDomain) PinVcpu(vcpu, pcpu int) error {
	// Bitmap sized for the largest hosts we pin on; one bit per pCPU.
	const maxHostCPUs = 256
	cpumap := make([]byte, maxHostCPUs/8)
	cpumap[pcpu/8] |= 1 << (uint(pcpu) % 8)
	return d.l.DomainPinVcpuFlags(d.dom, uint32(vcpu), cpumap, uint32(libvirt.DomainAffectLive))
}

func (d *libvirtDomain) AttachDevice(xml string, flags ModFlags) error {
	return d.l.DomainAttachDeviceFlags(d.dom, xml, modFlags(flags))
}

func (d *libvirtDomain) DetachDevice(xml string, flags ModFlags) error {
	return d.l.DomainDetachDeviceFlags(d.dom, xml, modFlags(flags))
}

func modFlags(f ModFlags) uint32 {
	var out uint32
	if f&AffectLive != 0 {
		out |= uint32(libvirt.DomainAffectLive)
	}
	if f&AffectConfig != 0 {
		out |= uint32(libvirt.DomainAffectConfig)
	}
	return out
}

func mapState(s int32) State {
	switch s {
	case int32(libvirt.DomainRunning):
		return StateRunning
	case int32(libvirt.DomainBlocked):
		return StateBlocked
	case int32(libvirt.DomainPaused):
		return StatePaused
	case int32(libvirt.DomainShutdown):
		return StateShutdown
	case int32(libvirt.DomainShutoff):
		return StateShutoff
	case int32(libvirt.DomainCrashed):
		return StateCrashed
	default:
		return StateUnknown
	}
}
