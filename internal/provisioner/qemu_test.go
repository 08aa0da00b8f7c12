package provisioner

import (
	"strings"
	"testing"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

func TestBuildQemuArgvOrderingWithoutGPU(t *testing.T) {
	argv := buildQemuArgv(qemuArgvSpec{
		QemuPath:  "qemu-system-x86_64",
		MemoryMB:  1024,
		VCPUs:     2,
		ImagePath: "/images/test",
		Meta: imageMetadata{
			Kernel: "vmlinuz", Initrd: "initrd.img", BIOS: "OVMF.fd",
			Rootfs: "rootfs.cpio", Cmdline: "console=ttyS0",
		},
		HdaPath:   "/vms/i/hda.img",
		SharedDir: "/vms/i/shared",
		GuestCID:  42,
		PortMap:   []model.PortMap{{Address: "127.0.0.1", Protocol: "tcp", FromPort: 8080, ToPort: 80}},
	})

	joined := strings.Join(argv, " ")
	if argv[0] != "qemu-system-x86_64" {
		t.Fatalf("argv[0] = %q, want qemu-system-x86_64 (no sudo without GPU)", argv[0])
	}
	if !strings.Contains(joined, "confidential-guest-support=tdx") {
		t.Fatalf("missing tdx machine flag: %s", joined)
	}
	if !strings.Contains(joined, "hostfwd=tcp:127.0.0.1:8080-:80") {
		t.Fatalf("missing port forward: %s", joined)
	}
	if !strings.HasSuffix(joined, "-append console=ttyS0") {
		t.Fatalf("cmdline must be appended last: %s", joined)
	}
}

func TestBuildQemuArgvPrependsSudoWithGPU(t *testing.T) {
	argv := buildQemuArgv(qemuArgvSpec{
		QemuPath:  "qemu-system-x86_64",
		MemoryMB:  1024,
		VCPUs:     2,
		ImagePath: "/images/test",
		Meta:      imageMetadata{Kernel: "k", Initrd: "i", BIOS: "b", Rootfs: "r", Cmdline: "c"},
		HdaPath:   "/vms/i/hda.img",
		SharedDir: "/vms/i/shared",
		GuestCID:  7,
		GPUs:      []string{"3b:00.0"},
	})
	if argv[0] != "sudo" {
		t.Fatalf("argv[0] = %q, want sudo when GPUs are present", argv[0])
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "vfio-pci,host=3b:00.0,bus=pci.1,iommufd=iommufd0") {
		t.Fatalf("missing vfio-pci device: %s", joined)
	}
}

func TestPinNUMANoOpWithoutFlag(t *testing.T) {
	argv := []string{"qemu-system-x86_64"}
	out, err := pinNUMA(argv, []string{"3b:00.0"}, 2, 1024, false, false)
	if err != nil {
		t.Fatalf("pinNUMA: %v", err)
	}
	if len(out) != 1 || out[0] != "qemu-system-x86_64" {
		t.Fatalf("expected no-op, got %v", out)
	}
}

func TestPinNUMANoOpWithMultipleGPUs(t *testing.T) {
	argv := []string{"qemu-system-x86_64"}
	out, err := pinNUMA(argv, []string{"3b:00.0", "3c:00.0"}, 2, 1024, true, false)
	if err != nil {
		t.Fatalf("pinNUMA: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected no-op with >1 GPU, got %v", out)
	}
}
