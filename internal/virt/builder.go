package virt

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// scsiControllerXML is appended to every new domain so disks can be
// hot-attached later without redefining the machine.
const scsiControllerXML = "    <controller type='scsi' model='virtio-scsi'/>\n"

// BuildDomainXML composes the libvirt descriptor for a new VM. The disk
// path must already point at the provisioned zvol device node.
func BuildDomainXML(cfg VMConfig, diskPath string) (string, error) {
	doc := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(cfg.MemoryMB) * 1024,
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(cfg.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				// q35 carries a PCIe root complex, which runtime device
				// attach needs; i440fx does not.
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "cdrom"},
				{Dev: "hd"},
			},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks:      buildDisks(cfg, diskPath),
			Interfaces: []libvirtxml.DomainInterface{buildInterface(cfg)},
			Graphics: []libvirtxml.DomainGraphic{
				{VNC: &libvirtxml.DomainGraphicVNC{AutoPort: "yes"}},
			},
			Videos: []libvirtxml.DomainVideo{
				{Model: libvirtxml.DomainVideoModel{Type: "qxl"}},
			},
		},
	}

	xml, err := doc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain descriptor: %w", err)
	}
	return InjectSCSIController(xml), nil
}

func buildDisks(cfg VMConfig, diskPath string) []libvirtxml.DomainDisk {
	disks := []libvirtxml.DomainDisk{{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "raw",
			Cache: "none",
			IO:    "native",
		},
		Source: &libvirtxml.DomainDiskSource{
			Block: &libvirtxml.DomainDiskSourceBlock{Dev: diskPath},
		},
		Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
	}}

	if cfg.ISOPath != "" {
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: cfg.ISOPath},
			},
			Target:   &libvirtxml.DomainDiskTarget{Dev: "sda", Bus: "sata"},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}
	return disks
}

func buildInterface(cfg VMConfig) libvirtxml.DomainInterface {
	iface := libvirtxml.DomainInterface{
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		Driver: &libvirtxml.DomainInterfaceDriver{
			Name:   "vhost",
			Queues: uint(cfg.VCPUs),
		},
	}
	if cfg.NetworkBridge != "" {
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: cfg.NetworkBridge},
		}
	} else {
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: "default"},
		}
	}
	return iface
}

// InjectSCSIController splices the hotplug controller into a serialized
// descriptor, just before the closing devices tag.
func InjectSCSIController(xml string) string {
	idx := strings.LastIndex(xml, "</devices>")
	if idx < 0 {
		return xml
	}
	return xml[:idx] + scsiControllerXML + xml[idx:]
}

// DiskAttachXML renders the device fragment for a runtime disk attach.
func DiskAttachXML(source, target, bus string) string {
	if bus == "" {
		bus = "virtio"
	}
	return fmt.Sprintf(`<disk type='block' device='disk'>
  <driver name='qemu' type='raw' cache='none' io='native'/>
  <source dev='%s'/>
  <target dev='%s' bus='%s'/>
</disk>`, source, target, bus)
}

// NetworkAttachXML renders the fragment for a runtime bridge NIC attach.
// Queue count follows the vCPU count so every core gets a vhost queue.
func NetworkAttachXML(bridge string, queues int) string {
	if queues < 1 {
		queues = 1
	}
	return fmt.Sprintf(`<interface type='bridge'>
  <source bridge='%s'/>
  <model type='virtio'/>
  <driver name='vhost' queues='%d' rx_queue_size='1024' tx_queue_size='1024'/>
</interface>`, bridge, queues)
}

// ExtractDiskXML returns the exact disk element from a live descriptor
// whose target dev matches. The hypervisor matches detach requests against
// the original serialization, so the element must not be reconstructed.
func ExtractDiskXML(domXML, targetDev string) (string, bool) {
	rest := domXML
	for {
		start := strings.Index(rest, "<disk")
		if start < 0 {
			return "", false
		}
		end := strings.Index(rest[start:], "</disk>")
		if end < 0 {
			return "", false
		}
		elem := rest[start : start+end+len("</disk>")]
		if strings.Contains(elem, fmt.Sprintf("dev='%s'", targetDev)) ||
			strings.Contains(elem, fmt.Sprintf(`dev="%s"`, targetDev)) {
			return elem, true
		}
		rest = rest[start+end+len("</disk>"):]
	}
}

// VNCInfo reports the VNC display of a live descriptor. The port comes
// back as a string because clients consume it verbatim; the websocket port
// is optional and 0 when absent.
func VNCInfo(domXML string) (port string, websocket int, err error) {
	doc := &libvirtxml.Domain{}
	if err := doc.Unmarshal(domXML); err != nil {
		return "", 0, fmt.Errorf("parse live descriptor: %w", err)
	}
	if doc.Devices == nil {
		return "", 0, fmt.Errorf("VNC Graphics adapter not found")
	}
	for _, g := range doc.Devices.Graphics {
		if g.VNC == nil {
			continue
		}
		return fmt.Sprintf("%d", g.VNC.Port), g.VNC.WebSocket, nil
	}
	return "", 0, fmt.Errorf("VNC Graphics adapter not found")
}
