// Package model holds the persisted and wire data shapes shared across the
// provisioner, host bridge, CVM client, and pool manager: the VM manifest,
// the app-compose document, the instance config, and the tenant run config.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// PortMap describes one host<->guest port forward.
type PortMap struct {
	Address   string `json:"address"`
	Protocol  string `json:"protocol"`
	FromPort  uint16 `json:"from_port"`
	ToPort    uint16 `json:"to_port"`
}

// key returns the tuple PortMap entries must be unique on.
func (p PortMap) key() string {
	return p.Protocol + "|" + p.Address + "|" + strconv.Itoa(int(p.FromPort))
}

// VMManifest is the persisted, write-once description of a confidential VM.
type VMManifest struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	VCPU        int       `json:"vcpu"`
	GPU         []string  `json:"gpu"`
	MemoryMB    int       `json:"memory"`
	DiskSizeGB  int       `json:"disk_size"`
	Image       string    `json:"image"`
	ImagePath   string    `json:"image_path"`
	PortMap     []PortMap `json:"port_map"`
	CreatedAtMs int64     `json:"created_at_ms"`
}

// Validate checks the invariants from the data model: memory/disk floors,
// legal port ranges, and uniqueness of port_map on (protocol, address, from_port).
func (m *VMManifest) Validate() error {
	if m.MemoryMB < 1 {
		return fmt.Errorf("%w: memory must be >= 1 MiB, got %d", ErrInvalidMemory, m.MemoryMB)
	}
	if m.DiskSizeGB < 1 {
		return fmt.Errorf("%w: disk_size must be >= 1 GiB, got %d", ErrInvalidMemory, m.DiskSizeGB)
	}
	seen := make(map[string]struct{}, len(m.PortMap))
	for _, pm := range m.PortMap {
		if pm.FromPort == 0 || pm.ToPort == 0 {
			return fmt.Errorf("%w: port numbers must be in [1,65535]", ErrInvalidPortMapping)
		}
		proto := strings.ToLower(pm.Protocol)
		if proto != "tcp" && proto != "udp" {
			return fmt.Errorf("%w: protocol must be tcp or udp, got %q", ErrInvalidPortMapping, pm.Protocol)
		}
		k := pm.key()
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate port_map entry for %s", ErrInvalidPortMapping, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// AppCompose is the content-addressable document written into the guest
// shared directory; docker_compose_file is kept byte-for-byte verbatim.
type AppCompose struct {
	ManifestVersion         int      `json:"manifest_version"`
	Name                    string   `json:"name"`
	Version                 string   `json:"version"`
	Features                []string `json:"features"`
	Runner                  string   `json:"runner"`
	DockerComposeFile       string   `json:"docker_compose_file"`
	LocalKeyProviderEnabled bool     `json:"local_key_provider_enabled"`
}

// NewAppCompose builds the document with the fixed fields the spec pins.
func NewAppCompose(name, composeText string, localKeyProvider bool) AppCompose {
	return AppCompose{
		ManifestVersion:         1,
		Name:                    name,
		Version:                 "1.0.0",
		Features:                []string{},
		Runner:                  "docker-compose",
		DockerComposeFile:       composeText,
		LocalKeyProviderEnabled: localKeyProvider,
	}
}

// InstanceConfig is shared/config.json: image-rooted facts plus, once the
// instance has launched, the host bridge coordinates patched in by run_instance.
type InstanceConfig struct {
	RootfsHash     string `json:"rootfs_hash"`
	DockerRegistry string `json:"docker_registry"`
	PCCSURL        string `json:"pccs_url"`
	HostAPIURL     string `json:"host_api_url,omitempty"`
	HostVsockPort  int    `json:"host_vsock_port,omitempty"`
}

// RunConfig is the tenant-supplied, immutable-once-constructed run request.
type RunConfig struct {
	Provider      string            `json:"provider"`
	Model         string            `json:"model"`
	Temperature   float64           `json:"temperature"`
	MaxTokens     int               `json:"max_tokens"`
	MaxIterations int               `json:"max_iterations"`
	EnvVars       map[string]string `json:"env_vars"`
}
