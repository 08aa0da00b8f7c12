package provisioner

import (
	"fmt"
	"os/exec"
	"strings"
)

// GPUDevice describes one PCI device line from lspci, filtered to GPUs.
type GPUDevice struct {
	PCIAddress string
	Vendor     string
	Device     string
	Raw        string
}

// ListAvailableGPUs shells out to lspci and filters for NVIDIA devices,
// returning the parsed PCI address/vendor/device alongside the raw line.
func (m *Manager) ListAvailableGPUs() ([]GPUDevice, error) {
	out, err := exec.Command("lspci").Output()
	if err != nil {
		return nil, fmt.Errorf("run lspci: %w", err)
	}

	var gpus []GPUDevice
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "NVIDIA") {
			continue
		}
		gpus = append(gpus, parseLspciLine(line))
	}
	return gpus, nil
}

// parseLspciLine splits a line of the form
// "0000:3b:00.0 3D controller: NVIDIA Corporation GA100 [A100 PCIe 40GB] (rev a1)"
// into its PCI address and the vendor/device description.
func parseLspciLine(line string) GPUDevice {
	fields := strings.SplitN(line, " ", 2)
	addr := fields[0]
	rest := ""
	if len(fields) > 1 {
		rest = fields[1]
	}
	vendor, device := "NVIDIA", rest
	if idx := strings.Index(rest, "NVIDIA Corporation"); idx >= 0 {
		device = strings.TrimSpace(rest[idx+len("NVIDIA Corporation"):])
	}
	return GPUDevice{
		PCIAddress: addr,
		Vendor:     vendor,
		Device:     device,
		Raw:        line,
	}
}
