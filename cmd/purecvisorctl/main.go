package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var socketPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "purecvisorctl",
		Short: "CLI client for the purecvisor engine",
	}
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/purecvisor.sock", "Engine control socket")

	rootCmd.AddCommand(
		pingCmd(),
		vmCmd(),
		snapshotCmd(),
		diskCmd(),
		networkCmd(),
		storageCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the engine is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call("ping", nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

func vmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "VM lifecycle operations",
	}

	var (
		vcpu    int
		memory  int
		disk    int
		iso     string
		bridge  string
		numa    int
		cpuPct  int
		memCap  int
	)

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a VM: provision its zvol and define the domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"name": args[0]}
			if cmd.Flags().Changed("vcpu") {
				params["vcpu"] = vcpu
			}
			if cmd.Flags().Changed("memory-mb") {
				params["memory_mb"] = memory
			}
			if cmd.Flags().Changed("disk-gb") {
				params["disk_size_gb"] = disk
			}
			if iso != "" {
				params["iso_path"] = iso
			}
			if bridge != "" {
				params["network_bridge"] = bridge
			}
			if _, err := call("vm.create", params); err != nil {
				return err
			}
			fmt.Println("VM created:", args[0])
			return nil
		},
	}
	create.Flags().IntVar(&vcpu, "vcpu", 1, "vCPU count")
	create.Flags().IntVar(&memory, "memory-mb", 1024, "Memory in MiB")
	create.Flags().IntVar(&disk, "disk-gb", 0, "Disk size in GiB (engine default when omitted)")
	create.Flags().StringVar(&iso, "iso", "", "Installer ISO path")
	create.Flags().StringVar(&bridge, "bridge", "", "Bridge for the primary NIC (NAT when omitted)")

	start := &cobra.Command{
		Use:   "start <vm>",
		Short: "Boot a VM and pin its vCPUs onto isolated cores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"vm_id": args[0]}
			if cmd.Flags().Changed("numa-node") {
				params["numa_node"] = numa
			}
			if cmd.Flags().Changed("vcpu") {
				params["vcpu_count"] = vcpu
			}
			if bridge != "" {
				params["bridge_name"] = bridge
			}
			if _, err := call("vm.start", params); err != nil {
				return err
			}
			fmt.Println("VM started:", args[0])
			return nil
		},
	}
	start.Flags().IntVar(&numa, "numa-node", 0, "NUMA node for core allocation")
	start.Flags().IntVar(&vcpu, "vcpu", 1, "Cores to allocate and pin")
	start.Flags().StringVar(&bridge, "bridge", "", "Hot-attach a NIC on this bridge")

	stop := &cobra.Command{
		Use:   "stop <vm>",
		Short: "Force power-off a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("vm.stop", map[string]any{"vm_id": args[0]}); err != nil {
				return err
			}
			fmt.Println("VM stopped:", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <vm>",
		Short: "Destroy, undefine, and remove a VM's storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("vm.delete", map[string]any{"vm_id": args[0]}); err != nil {
				return err
			}
			fmt.Println("VM deleted:", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call("vm.list", nil)
			if err != nil {
				return err
			}
			var vms []struct {
				UUID  string `json:"uuid"`
				Name  string `json:"name"`
				State string `json:"state"`
			}
			if err := json.Unmarshal(result, &vms); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tUUID")
			for _, vm := range vms {
				fmt.Fprintf(w, "%s\t%s\t%s\n", vm.Name, vm.State, vm.UUID)
			}
			return w.Flush()
		},
	}

	metricsCmd := &cobra.Command{
		Use:   "metrics <vm>",
		Short: "Show live cpu/mem utilization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call("vm.metrics", map[string]any{"vm_id": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	limit := &cobra.Command{
		Use:   "limit <vm>",
		Short: "Apply live resource caps (-1 clears a cap)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"vm_id": args[0]}
			if cmd.Flags().Changed("cpu") {
				params["cpu"] = cpuPct
			}
			if cmd.Flags().Changed("mem") {
				params["mem"] = memCap
			}
			if len(params) == 1 {
				return fmt.Errorf("at least one of --cpu or --mem is required")
			}
			if _, err := call("vm.limit", params); err != nil {
				return err
			}
			fmt.Println("Limits applied:", args[0])
			return nil
		},
	}
	limit.Flags().IntVar(&cpuPct, "cpu", 0, "CPU cap in percent")
	limit.Flags().IntVar(&memCap, "mem", 0, "Memory cap in MiB")

	setMemory := &cobra.Command{
		Use:   "set-memory <vm> <mib>",
		Short: "Hot-adjust guest memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mb int
			if _, err := fmt.Sscanf(args[1], "%d", &mb); err != nil {
				return fmt.Errorf("invalid memory size %q", args[1])
			}
			if _, err := call("vm.set_memory", map[string]any{"vm_id": args[0], "memory_mb": mb}); err != nil {
				return err
			}
			fmt.Printf("Memory set to %d MiB: %s\n", mb, args[0])
			return nil
		},
	}

	setVcpu := &cobra.Command{
		Use:   "set-vcpu <vm> <count>",
		Short: "Hot-adjust the vCPU count",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var n int
			if _, err := fmt.Sscanf(args[1], "%d", &n); err != nil {
				return fmt.Errorf("invalid vcpu count %q", args[1])
			}
			if _, err := call("vm.set_vcpu", map[string]any{"vm_id": args[0], "vcpu_count": n}); err != nil {
				return err
			}
			fmt.Printf("vCPUs set to %d: %s\n", n, args[0])
			return nil
		},
	}

	vnc := &cobra.Command{
		Use:   "vnc <vm>",
		Short: "Show the VNC display endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call("get_vnc_info", map[string]any{"vm_id": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(create, start, stop, del, list, metricsCmd, limit, setMemory, setVcpu, vnc)
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Disk snapshot operations",
	}

	create := &cobra.Command{
		Use:   "create <vm> <snap>",
		Short: "Take a disk snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("vm.snapshot.create", map[string]any{"vm_id": args[0], "snap_name": args[1]}); err != nil {
				return err
			}
			fmt.Printf("Snapshot %s@%s created\n", args[0], args[1])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list <vm>",
		Short: "List disk snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call("vm.snapshot.list", map[string]any{"vm_id": args[0]})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	rollback := &cobra.Command{
		Use:   "rollback <vm> <snap>",
		Short: "Revert the disk to a snapshot (destroys newer snapshots)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stderr, "warning: stop the VM before rolling back; a live rollback corrupts the guest filesystem")
			if _, err := call("vm.snapshot.rollback", map[string]any{"vm_id": args[0], "snap_name": args[1]}); err != nil {
				return err
			}
			fmt.Printf("Rolled back %s to @%s\n", args[0], args[1])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <vm> <snap>",
		Short: "Delete a disk snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("vm.snapshot.delete", map[string]any{"vm_id": args[0], "snap_name": args[1]}); err != nil {
				return err
			}
			fmt.Printf("Snapshot %s@%s deleted\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(create, list, rollback, del)
	return cmd
}

func diskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disk",
		Short: "Disk hotplug operations",
	}

	var bus string
	attach := &cobra.Command{
		Use:   "attach <vm> <source> <target>",
		Short: "Hot-attach a block device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"vm_id": args[0], "source": args[1], "target": args[2]}
			if bus != "" {
				params["bus"] = bus
			}
			if _, err := call("device.disk.attach", params); err != nil {
				return err
			}
			fmt.Printf("Disk %s attached as %s\n", args[1], args[2])
			return nil
		},
	}
	attach.Flags().StringVar(&bus, "bus", "", "Disk bus (default virtio)")

	detach := &cobra.Command{
		Use:   "detach <vm> <target>",
		Short: "Hot-detach a block device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("device.disk.detach", map[string]any{"vm_id": args[0], "target": args[1]}); err != nil {
				return err
			}
			fmt.Printf("Disk %s detached\n", args[1])
			return nil
		},
	}

	cmd.AddCommand(attach, detach)
	return cmd
}

func networkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Host bridge operations",
	}

	var (
		mode       string
		cidr       string
		physicalIf string
	)
	create := &cobra.Command{
		Use:   "create <bridge>",
		Short: "Create a host bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{"bridge_name": args[0], "mode": mode}
			if cidr != "" {
				params["cidr"] = cidr
			}
			if physicalIf != "" {
				params["physical_if"] = physicalIf
			}
			if _, err := call("network.create", params); err != nil {
				return err
			}
			fmt.Println("Bridge created:", args[0])
			return nil
		},
	}
	create.Flags().StringVar(&mode, "mode", "nat", "Bridge mode: nat or bridge")
	create.Flags().StringVar(&cidr, "cidr", "", "Gateway CIDR for nat mode (e.g. 192.168.50.1/24)")
	create.Flags().StringVar(&physicalIf, "physical-if", "", "NIC to enslave in bridge mode")

	del := &cobra.Command{
		Use:   "delete <bridge>",
		Short: "Delete a host bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("network.delete", map[string]any{"bridge_name": args[0]}); err != nil {
				return err
			}
			fmt.Println("Bridge deleted:", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, del)
	return cmd
}

func storageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "ZFS storage operations",
	}

	pools := &cobra.Command{
		Use:   "pools",
		Short: "List ZFS pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call("storage.pool.list", nil)
			if err != nil {
				return err
			}
			var rows []struct {
				Name   string `json:"name"`
				Size   string `json:"size"`
				Alloc  string `json:"alloc"`
				Free   string `json:"free"`
				Health string `json:"health"`
			}
			if err := json.Unmarshal(result, &rows); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tALLOC\tFREE\tHEALTH")
			for _, p := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Size, p.Alloc, p.Free, p.Health)
			}
			return w.Flush()
		},
	}

	zvols := &cobra.Command{
		Use:   "zvols",
		Short: "List zvols",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call("storage.zvol.list", nil)
			if err != nil {
				return err
			}
			var rows []struct {
				Name    string `json:"name"`
				Volsize string `json:"volsize"`
				Used    string `json:"used"`
			}
			if err := json.Unmarshal(result, &rows); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVOLSIZE\tUSED")
			for _, v := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.Name, v.Volsize, v.Used)
			}
			return w.Flush()
		},
	}

	zvolCreate := &cobra.Command{
		Use:   "zvol-create <dataset> <size>",
		Short: "Create a zvol at an explicit dataset path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("storage.zvol.create", map[string]any{"zvol_path": args[0], "size": args[1]}); err != nil {
				return err
			}
			fmt.Println("Zvol created:", args[0])
			return nil
		},
	}

	zvolDelete := &cobra.Command{
		Use:   "zvol-delete <dataset>",
		Short: "Destroy a zvol at an explicit dataset path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call("storage.zvol.delete", map[string]any{"zvol_path": args[0]}); err != nil {
				return err
			}
			fmt.Println("Zvol deleted:", args[0])
			return nil
		},
	}

	cmd.AddCommand(pools, zvols, zvolCreate, zvolDelete)
	return cmd
}
