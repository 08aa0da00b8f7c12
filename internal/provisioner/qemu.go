package provisioner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

// qemuArgvSpec carries everything buildQemuArgv needs to assemble the
// hypervisor argument vector. Argument order is load-bearing: QEMU reads
// its flags positionally in places (e.g. -netdev must follow the device
// that references it), so this mirrors the reference command skeleton
// verbatim rather than building a generic flag map.
type qemuArgvSpec struct {
	QemuPath  string
	MemoryMB  int64
	VCPUs     int
	ImagePath string
	Meta      imageMetadata
	HdaPath   string
	SharedDir string
	GuestCID  int
	PortMap   []model.PortMap
	GPUs      []string
}

// buildQemuArgv assembles the TDX QEMU command line, including GPU
// passthrough devices and the sudo prefix they require. NUMA pinning is
// applied afterward by pinNUMA, since it wraps the already-assembled
// argv rather than interleaving with it.
func buildQemuArgv(s qemuArgvSpec) []string {
	cmd := []string{
		s.QemuPath,
		"-accel", "kvm",
		"-m", fmt.Sprintf("%dM", s.MemoryMB),
		"-smp", strconv.Itoa(s.VCPUs),
		"-cpu", "host",
		"-machine", "q35,kernel_irqchip=split,confidential-guest-support=tdx,hpet=off",
		"-object", "tdx-guest,id=tdx",
		"-nographic", "-nodefaults",
		"-chardev", "null,id=ser0",
		"-serial", "chardev:ser0",
		"-kernel", filepath.Join(s.ImagePath, s.Meta.Kernel),
		"-initrd", filepath.Join(s.ImagePath, s.Meta.Initrd),
		"-bios", filepath.Join(s.ImagePath, s.Meta.BIOS),
		"-cdrom", filepath.Join(s.ImagePath, s.Meta.Rootfs),
		"-drive", fmt.Sprintf("file=%s,if=none,id=virtio-disk0", s.HdaPath),
		"-device", "virtio-blk-pci,drive=virtio-disk0",
		"-virtfs", fmt.Sprintf("local,path=%s,mount_tag=host-shared,readonly=off,security_model=mapped,id=virtfs0", s.SharedDir),
		"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", s.GuestCID),
	}

	netdev := "user,id=nic0_td"
	for _, pm := range s.PortMap {
		netdev += fmt.Sprintf(",hostfwd=%s:%s:%d-:%d", pm.Protocol, pm.Address, pm.FromPort, pm.ToPort)
	}
	cmd = append(cmd, "-device", "virtio-net-pci,netdev=nic0_td", "-netdev", netdev)

	final := make([]string, 0, len(cmd)+16)
	if len(s.GPUs) > 0 {
		final = append(final, "sudo")
	}
	final = append(final, cmd...)

	if len(s.GPUs) > 0 {
		final = append(final, "-device", "pcie-root-port,id=pci.1,bus=pcie.0")
		final = append(final, "-fw_cfg", "name=opt/ovmf/X-PciMmio64,string=262144")
		for i, gpu := range s.GPUs {
			final = append(final, "-object", fmt.Sprintf("iommufd,id=iommufd%d", i))
			final = append(final, "-device", fmt.Sprintf("vfio-pci,host=%s,bus=pci.1,iommufd=iommufd%d", gpu, i))
		}
	}

	final = append(final, "-append", s.Meta.Cmdline)
	return final
}

// pinNUMA applies the taskset/hugepage wrapping when exactly one GPU is
// present and pinning was requested; it is a no-op otherwise.
func pinNUMA(argv []string, gpus []string, vcpus int, memMB int64, pinNUMA, hugepage bool) ([]string, error) {
	if !pinNUMA || len(gpus) != 1 {
		return argv, nil
	}

	numaNodePath := fmt.Sprintf("/sys/bus/pci/devices/0000:%s/numa_node", gpus[0])
	numaNodeRaw, err := os.ReadFile(numaNodePath)
	if err != nil {
		return nil, fmt.Errorf("read NUMA node from %s: %w", numaNodePath, err)
	}
	numaNode := strings.TrimSpace(string(numaNodeRaw))

	cpuListPath := fmt.Sprintf("/sys/devices/system/node/node%s/cpulist", numaNode)
	cpuListRaw, err := os.ReadFile(cpuListPath)
	if err != nil {
		return nil, fmt.Errorf("read CPU list from %s: %w", cpuListPath, err)
	}
	cpuList := strings.TrimSpace(string(cpuListRaw))

	pinned := append([]string{"taskset", "-c", cpuList}, argv...)

	if hugepage {
		pinned = append(pinned,
			"-numa", fmt.Sprintf("node,nodeid=0,cpus=0-%d,memdev=mem0", vcpus-1),
			"-object", fmt.Sprintf("memory-backend-file,id=mem0,size=%dM,mem-path=/dev/hugepages,share=on,prealloc=yes,host-nodes=%s,policy=bind", memMB, numaNode),
		)
	}
	return pinned, nil
}
