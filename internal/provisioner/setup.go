package provisioner

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

// SetupOptions carries the arguments to SetupInstance.
type SetupOptions struct {
	ComposePath       string
	WorkDir           string // optional override; generated under RunPath if empty
	ImagePath         string
	VCPUs             int
	MemoryStr         string
	DiskStr           string
	GPUs              []string
	PortStrs          []string
	LocalKeyProvider  bool
}

// SetupInstance creates an instance's on-disk layout: shared/,
// shared/app-compose.json, shared/config.json, and vm-manifest.json.
func (m *Manager) SetupInstance(opts SetupOptions) (*model.VMManifest, error) {
	instanceID, workDir := m.resolveWorkDir(opts.WorkDir)

	sharedDir, err := m.createDirectories(workDir)
	if err != nil {
		return nil, err
	}

	composeText, err := m.readComposeFile(opts.ComposePath)
	if err != nil {
		return nil, err
	}
	appCompose := model.NewAppCompose("example", composeText, opts.LocalKeyProvider)
	if err := writeJSONFile(m.FS, filepath.Join(sharedDir, "app-compose.json"), appCompose); err != nil {
		return nil, fmt.Errorf("write app-compose.json: %w", err)
	}

	rootfsHash, err := m.readImageMetadataField(opts.ImagePath, "rootfs_hash")
	if err != nil {
		return nil, err
	}
	instanceConfig := model.InstanceConfig{
		RootfsHash:     rootfsHash,
		DockerRegistry: m.Config.DockerRegistry,
		PCCSURL:        DefaultPCCSURL,
	}
	if err := writeJSONFile(m.FS, filepath.Join(sharedDir, "config.json"), instanceConfig); err != nil {
		return nil, fmt.Errorf("write config.json: %w", err)
	}

	memoryMB, err := memoryToMB(opts.MemoryStr)
	if err != nil {
		return nil, err
	}
	diskMB, err := memoryToMB(opts.DiskStr)
	if err != nil {
		return nil, err
	}
	diskGB := diskMB / 1024

	portMap := make([]model.PortMap, 0, len(opts.PortStrs))
	for _, p := range opts.PortStrs {
		pm, err := parsePortMapping(p)
		if err != nil {
			return nil, err
		}
		portMap = append(portMap, pm)
	}

	manifest := &model.VMManifest{
		ID:          instanceID,
		Name:        "example",
		VCPU:        opts.VCPUs,
		GPU:         opts.GPUs,
		MemoryMB:    int(memoryMB),
		DiskSizeGB:  int(diskGB),
		Image:       filepath.Base(opts.ImagePath),
		ImagePath:   opts.ImagePath,
		PortMap:     portMap,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if err := writeJSONFile(m.FS, filepath.Join(workDir, "vm-manifest.json"), manifest); err != nil {
		return nil, fmt.Errorf("write vm-manifest.json: %w", err)
	}

	klog.V(1).Infof("instance work directory prepared at %s", workDir)
	return manifest, nil
}

func (m *Manager) resolveWorkDir(override string) (instanceID, workDir string) {
	if override != "" {
		return filepath.Base(override), override
	}
	id := m.generateInstanceID()
	return id, filepath.Join(m.Config.RunPath, id)
}

func (m *Manager) createDirectories(workDir string) (sharedDir string, err error) {
	if entries, statErr := afero.ReadDir(m.FS, workDir); statErr == nil && len(entries) > 0 {
		return "", fmt.Errorf("work directory %s is not empty", workDir)
	}
	sharedDir = filepath.Join(workDir, "shared")
	certsDir := filepath.Join(sharedDir, "certs")
	if err := m.FS.MkdirAll(certsDir, 0o755); err != nil {
		return "", fmt.Errorf("create shared directories: %w", err)
	}
	return sharedDir, nil
}

func (m *Manager) readComposeFile(path string) (string, error) {
	exists, err := afero.Exists(m.FS, path)
	if err != nil {
		return "", fmt.Errorf("stat compose file: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: compose file not found: %s", model.ErrPreflightMissing, path)
	}
	content, err := afero.ReadFile(m.FS, path)
	if err != nil {
		return "", fmt.Errorf("read compose file: %w", err)
	}
	// Parsed only to reject malformed input early; the stored
	// docker_compose_file string stays byte-for-byte the original text.
	var discard map[string]interface{}
	if err := yaml.Unmarshal(content, &discard); err != nil {
		return "", fmt.Errorf("%w: compose file is not valid YAML: %v", model.ErrData, err)
	}
	return string(content), nil
}

// readImageMetadataField reads imagePath/metadata.json and extracts the
// named required string field.
func (m *Manager) readImageMetadataField(imagePath, field string) (string, error) {
	meta, err := m.readImageMetadata(imagePath)
	if err != nil {
		return "", err
	}
	v, ok := meta[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s not found in image metadata", model.ErrPreflightMissing, field)
	}
	return v, nil
}

func (m *Manager) readImageMetadata(imagePath string) (map[string]interface{}, error) {
	path := filepath.Join(imagePath, "metadata.json")
	exists, err := afero.Exists(m.FS, path)
	if err != nil {
		return nil, fmt.Errorf("stat image metadata: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: image metadata not found at %s", model.ErrPreflightMissing, path)
	}
	raw, err := afero.ReadFile(m.FS, path)
	if err != nil {
		return nil, fmt.Errorf("read image metadata: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON in image metadata: %v", model.ErrData, err)
	}
	return meta, nil
}

func writeJSONFile(fs afero.Fs, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}
