// Package virttest provides an in-memory hypervisor fake implementing the
// virt capability interfaces for handler and engine tests.
package virttest

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HardcoreMonk/purecvisor/internal/virt"
)

var nameTagRE = regexp.MustCompile(`<name>([^<]+)</name>`)

// Hypervisor is a process-local domain registry shared by every connection
// the fake connector hands out.
type Hypervisor struct {
	mu      sync.Mutex
	domains []*FakeDomain

	// Injectable failures.
	ConnectErr error
	DefineErr  error
	StartErr   error
	AttachErr  error

	// OpDelay stretches Start/Destroy so tests can observe in-flight
	// operations deterministically.
	OpDelay time.Duration
}

func NewHypervisor() *Hypervisor {
	return &Hypervisor{}
}

// Connector returns a virt.Connector backed by this hypervisor.
func (h *Hypervisor) Connector() virt.Connector {
	return &fakeConnector{h: h}
}

// Add registers a pre-existing domain for test setup and returns it.
func (h *Hypervisor) Add(name string, active bool) *FakeDomain {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := &FakeDomain{
		h:      h,
		name:   name,
		uuid:   uuid.NewString(),
		active: active,
		vcpus:  1,
		maxKiB: 1024 * 1024,
		usedKiB: 1024 * 1024,
		rssKiB: 512 * 1024,
		pins:   make(map[int]int),
		xml:    defaultXML(name),
	}
	h.domains = append(h.domains, d)
	return d
}

// Get looks a domain up by name, including undefined ones, for assertions.
func (h *Hypervisor) Get(name string) *FakeDomain {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.domains {
		if d.name == name {
			return d
		}
	}
	return nil
}

func defaultXML(name string) string {
	return fmt.Sprintf(`<domain type='kvm'>
  <name>%s</name>
  <devices>
    <disk type='block' device='disk'>
      <source dev='/dev/zvol/tank/vms/%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <graphics type='vnc' port='5901' autoport='yes' websocket='5701'/>
  </devices>
</domain>`, name, name)
}

type fakeConnector struct {
	h *Hypervisor
}

func (c *fakeConnector) Connect() (virt.Conn, error) {
	if c.h.ConnectErr != nil {
		return nil, c.h.ConnectErr
	}
	return &fakeConn{h: c.h}, nil
}

type fakeConn struct {
	h *Hypervisor
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) LookupByUUID(id string) (virt.Domain, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	for _, d := range c.h.domains {
		if !d.undefined && d.uuid == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: uuid %s", virt.ErrNotFound, id)
}

func (c *fakeConn) LookupByName(name string) (virt.Domain, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	for _, d := range c.h.domains {
		if !d.undefined && d.name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: name %s", virt.ErrNotFound, name)
}

func (c *fakeConn) DefineXML(xml string) (virt.Domain, error) {
	if c.h.DefineErr != nil {
		return nil, c.h.DefineErr
	}
	m := nameTagRE.FindStringSubmatch(xml)
	if m == nil {
		return nil, fmt.Errorf("descriptor has no name element")
	}
	name := m[1]

	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	for _, d := range c.h.domains {
		if !d.undefined && d.name == name {
			return nil, fmt.Errorf("operation failed: domain '%s' already exists", name)
		}
	}
	d := &FakeDomain{
		h:       c.h,
		name:    name,
		uuid:    uuid.NewString(),
		xml:     xml,
		vcpus:   1,
		maxKiB:  1024 * 1024,
		usedKiB: 1024 * 1024,
		rssKiB:  512 * 1024,
		pins:    make(map[int]int),
	}
	c.h.domains = append(c.h.domains, d)
	return d, nil
}

func (c *fakeConn) ListAllDomains() ([]virt.Domain, error) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	var out []virt.Domain
	for _, d := range c.h.domains {
		if !d.undefined {
			out = append(out, d)
		}
	}
	return out, nil
}

// FakeDomain implements virt.Domain with recorded mutations.
type FakeDomain struct {
	h *Hypervisor

	name      string
	uuid      string
	active    bool
	undefined bool
	xml       string

	vcpus   int
	maxKiB  uint64
	usedKiB uint64
	rssKiB  uint64
	cpuTime uint64

	pins      map[int]int
	Attached  []string
	Detached  []string
	Destroyed int

	QuotaMicros   *int64
	HardLimitKiB  *uint64
	MemorySetKiB  *uint64
	VcpusSet      *int
}

func (d *FakeDomain) Name() string { return d.name }
func (d *FakeDomain) UUID() string { return d.uuid }

// Active reports the run state for assertions.
func (d *FakeDomain) Active() bool {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return d.active
}

// Undefined reports whether the definition has been removed.
func (d *FakeDomain) Undefined() bool {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return d.undefined
}

// Pins returns the recorded vcpu -> pcpu pinning map.
func (d *FakeDomain) Pins() map[int]int {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	out := make(map[int]int, len(d.pins))
	for k, v := range d.pins {
		out[k] = v
	}
	return out
}

// SetRSS adjusts the reported resident set for metrics tests.
func (d *FakeDomain) SetRSS(kib uint64) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.rssKiB = kib
}

// SetXML replaces the live descriptor for detach/vnc tests.
func (d *FakeDomain) SetXML(xml string) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.xml = xml
}

func (d *FakeDomain) Start() error {
	if d.h.StartErr != nil {
		return d.h.StartErr
	}
	if d.h.OpDelay > 0 {
		time.Sleep(d.h.OpDelay)
	}
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	if d.active {
		return fmt.Errorf("domain is already running")
	}
	d.active = true
	return nil
}

func (d *FakeDomain) Destroy() error {
	if d.h.OpDelay > 0 {
		time.Sleep(d.h.OpDelay)
	}
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.active = false
	d.Destroyed++
	return nil
}

func (d *FakeDomain) Shutdown() error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.active = false
	return nil
}

func (d *FakeDomain) Undefine(withMetadata bool) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.undefined = true
	return nil
}

func (d *FakeDomain) IsActive() (bool, error) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return d.active, nil
}

func (d *FakeDomain) Info() (virt.DomainInfo, error) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	state := virt.StateShutoff
	if d.active {
		state = virt.StateRunning
	}
	// Advance the cpu clock a little per sample so two-sample deltas are
	// nonzero for active domains.
	if d.active {
		d.cpuTime += 5_000_000
	}
	return virt.DomainInfo{
		State:     state,
		MaxMemKiB: d.maxKiB,
		MemoryKiB: d.usedKiB,
		VCPUs:     d.vcpus,
		CPUTimeNs: d.cpuTime,
	}, nil
}

func (d *FakeDomain) XMLDesc() (string, error) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return d.xml, nil
}

func (d *FakeDomain) MemoryStats() (virt.MemStats, error) {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	return virt.MemStats{RSSKiB: d.rssKiB, AvailableKiB: d.maxKiB}, nil
}

func (d *FakeDomain) SetMemory(kib uint64, flags virt.ModFlags) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.usedKiB = kib
	d.MemorySetKiB = &kib
	return nil
}

func (d *FakeDomain) SetVcpus(n int, flags virt.ModFlags) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.vcpus = n
	d.VcpusSet = &n
	return nil
}

func (d *FakeDomain) SetSchedulerQuota(quotaMicros int64) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.QuotaMicros = &quotaMicros
	return nil
}

func (d *FakeDomain) SetMemoryHardLimit(kib uint64) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.HardLimitKiB = &kib
	return nil
}

func (d *FakeDomain) PinVcpu(vcpu, pcpu int) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.pins[vcpu] = pcpu
	return nil
}

func (d *FakeDomain) AttachDevice(xml string, flags virt.ModFlags) error {
	if d.h.AttachErr != nil {
		return d.h.AttachErr
	}
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.Attached = append(d.Attached, xml)
	return nil
}

func (d *FakeDomain) DetachDevice(xml string, flags virt.ModFlags) error {
	d.h.mu.Lock()
	defer d.h.mu.Unlock()
	d.Detached = append(d.Detached, xml)
	return nil
}
