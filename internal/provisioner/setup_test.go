package provisioner

import (
	"encoding/json"
	"testing"

	"github.com/spf13/afero"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

func TestSetupInstanceWritesExpectedManifest(t *testing.T) {
	fs := afero.NewMemMapFs()

	composeBody := "version: \"3\"\nservices:\n  hello:\n    image: hello-world"
	if err := afero.WriteFile(fs, "/compose/docker-compose.yml", []byte(composeBody), 0o644); err != nil {
		t.Fatalf("seed compose file: %v", err)
	}
	meta, _ := json.Marshal(map[string]string{"rootfs_hash": "abcd1234"})
	if err := afero.WriteFile(fs, "/images/test/metadata.json", meta, 0o644); err != nil {
		t.Fatalf("seed image metadata: %v", err)
	}

	m := New(fs, Config{RunPath: "/vms", DockerRegistry: "docker.io"})

	manifest, err := m.SetupInstance(SetupOptions{
		ComposePath:      "/compose/docker-compose.yml",
		WorkDir:          "/vms/instance-1",
		ImagePath:        "/images/test",
		VCPUs:            2,
		MemoryStr:        "1G",
		DiskStr:          "10G",
		PortStrs:         []string{"tcp:8080:80"},
		LocalKeyProvider: true,
	})
	if err != nil {
		t.Fatalf("SetupInstance: %v", err)
	}

	if manifest.VCPU != 2 {
		t.Fatalf("vcpu = %d, want 2", manifest.VCPU)
	}
	if manifest.MemoryMB != 1024 {
		t.Fatalf("memory = %d, want 1024", manifest.MemoryMB)
	}
	if manifest.DiskSizeGB != 10 {
		t.Fatalf("disk_size = %d, want 10", manifest.DiskSizeGB)
	}
	wantPortMap := []model.PortMap{{Address: "127.0.0.1", Protocol: "tcp", FromPort: 8080, ToPort: 80}}
	if len(manifest.PortMap) != 1 || manifest.PortMap[0] != wantPortMap[0] {
		t.Fatalf("port_map = %+v, want %+v", manifest.PortMap, wantPortMap)
	}

	composeRaw, err := afero.ReadFile(fs, "/vms/instance-1/shared/app-compose.json")
	if err != nil {
		t.Fatalf("read app-compose.json: %v", err)
	}
	var appCompose model.AppCompose
	if err := json.Unmarshal(composeRaw, &appCompose); err != nil {
		t.Fatalf("unmarshal app-compose.json: %v", err)
	}
	if appCompose.ManifestVersion != 1 {
		t.Fatalf("manifest_version = %d, want 1", appCompose.ManifestVersion)
	}
	if appCompose.DockerComposeFile != composeBody {
		t.Fatalf("docker_compose_file mismatch")
	}

	configRaw, err := afero.ReadFile(fs, "/vms/instance-1/shared/config.json")
	if err != nil {
		t.Fatalf("read config.json: %v", err)
	}
	var instanceConfig model.InstanceConfig
	if err := json.Unmarshal(configRaw, &instanceConfig); err != nil {
		t.Fatalf("unmarshal config.json: %v", err)
	}
	if instanceConfig.RootfsHash != "abcd1234" {
		t.Fatalf("rootfs_hash = %q, want abcd1234", instanceConfig.RootfsHash)
	}
	if instanceConfig.PCCSURL != DefaultPCCSURL {
		t.Fatalf("pccs_url = %q, want %q", instanceConfig.PCCSURL, DefaultPCCSURL)
	}
}

func TestSetupInstanceRejectsNonEmptyWorkDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/vms/instance-1/existing", []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := afero.WriteFile(fs, "/compose/docker-compose.yml", []byte("version: \"3\""), 0o644); err != nil {
		t.Fatalf("seed compose file: %v", err)
	}

	m := New(fs, Config{RunPath: "/vms"})
	_, err := m.SetupInstance(SetupOptions{
		ComposePath: "/compose/docker-compose.yml",
		WorkDir:     "/vms/instance-1",
		ImagePath:   "/images/test",
		MemoryStr:   "1G",
		DiskStr:     "10G",
	})
	if err == nil {
		t.Fatalf("expected error for non-empty work dir")
	}
}
