package provisioner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"github.com/scoutflo/tdx-fleet/internal/model"
)

// preflightGraceWindow is how long spawnQemu waits before declaring a
// hypervisor launch successful. A child that exits within this window
// almost always failed validating its own arguments (bad image, missing
// device) rather than having run anything, so its stderr tail is folded
// into the returned error instead of leaving the operator to go find
// qemu_stderr.log themselves.
const preflightGraceWindow = 400 * time.Millisecond

// tailLogLines is the number of trailing lines surfaced from a failed
// launch's stderr log.
const tailLogLines = 20

// RunOptions carries the arguments to RunInstance.
type RunOptions struct {
	VMDir     string
	HostPort  int
	MemoryStr string // optional override; empty means use the manifest's memory
	VCPUs     int    // optional override; 0 means use the manifest's vcpu count
	ImgDir    string // fallback image directory when the manifest's image_path is empty
	PinNUMA   bool
	Hugepage  bool
}

// imageMetadata is the subset of an image bundle's metadata.json the
// launcher needs.
type imageMetadata struct {
	Kernel  string `json:"kernel"`
	Initrd  string `json:"initrd"`
	BIOS    string `json:"bios"`
	Rootfs  string `json:"rootfs"`
	Cmdline string `json:"cmdline"`
}

// RunInstance loads a manifest, patches its bridge coordinates into
// config.json, assembles the hypervisor argv, and spawns it detached.
func (m *Manager) RunInstance(opts RunOptions) error {
	if err := m.checkQemuAvailable(); err != nil {
		return err
	}

	manifest, err := m.loadManifest(opts.VMDir)
	if err != nil {
		return err
	}

	imagePath := manifest.ImagePath
	if imagePath == "" {
		if opts.ImgDir == "" {
			return fmt.Errorf("%w: no image_path in manifest and no imgdir provided", model.ErrPreflightMissing)
		}
		imagePath = filepath.Join(opts.ImgDir, manifest.Image)
	}

	if err := m.patchBridgeConfig(opts.VMDir, opts.HostPort); err != nil {
		return err
	}

	meta, err := m.loadImageMetadata(imagePath)
	if err != nil {
		return err
	}

	memMB := int64(manifest.MemoryMB)
	if opts.MemoryStr != "" {
		memMB, err = memoryToMB(opts.MemoryStr)
		if err != nil {
			return err
		}
	}
	vcpus := manifest.VCPU
	if opts.VCPUs > 0 {
		vcpus = opts.VCPUs
	}

	hdaPath := filepath.Join(opts.VMDir, "hda.img")
	if err := m.ensureDiskImage(hdaPath, manifest.DiskSizeGB); err != nil {
		return err
	}

	if err := m.checkImageFiles(imagePath, meta); err != nil {
		return err
	}

	cid := 3 + rand.Intn(10000)
	sharedDir := filepath.Join(opts.VMDir, "shared")
	argv := buildQemuArgv(qemuArgvSpec{
		QemuPath:  m.Config.QemuPath,
		MemoryMB:  memMB,
		VCPUs:     vcpus,
		ImagePath: imagePath,
		Meta:      meta,
		HdaPath:   hdaPath,
		SharedDir: sharedDir,
		GuestCID:  cid,
		PortMap:   manifest.PortMap,
		GPUs:      manifest.GPU,
	})
	argv, err = pinNUMA(argv, manifest.GPU, vcpus, memMB, opts.PinNUMA, opts.Hugepage)
	if err != nil {
		return err
	}

	klog.V(1).Infof("launching hypervisor: %s", strings.Join(argv, " "))
	return m.spawnQemu(argv)
}

func (m *Manager) checkQemuAvailable() error {
	if _, err := runLookPath(m.Config.QemuPath); err != nil {
		return fmt.Errorf("qemu not available at %s: %w", m.Config.QemuPath, err)
	}
	return nil
}

func (m *Manager) loadManifest(vmDir string) (*model.VMManifest, error) {
	path := filepath.Join(vmDir, "vm-manifest.json")
	exists, err := afero.Exists(m.FS, path)
	if err != nil {
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: vm manifest not found in %s", model.ErrPreflightMissing, vmDir)
	}
	raw, err := afero.ReadFile(m.FS, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest model.VMManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", model.ErrData, path, err)
	}
	return &manifest, nil
}

// patchBridgeConfig rewrites shared/config.json with the Host Bridge's
// address, if the file exists.
func (m *Manager) patchBridgeConfig(vmDir string, hostPort int) error {
	path := filepath.Join(vmDir, "shared", "config.json")
	exists, err := afero.Exists(m.FS, path)
	if err != nil {
		return fmt.Errorf("stat config.json: %w", err)
	}
	if !exists {
		return nil
	}
	raw, err := afero.ReadFile(m.FS, path)
	if err != nil {
		return fmt.Errorf("read config.json: %w", err)
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("%w: parse config.json: %v", model.ErrData, err)
	}
	cfg["host_api_url"] = fmt.Sprintf("http://10.0.2.2:%d/api", hostPort)
	cfg["host_vsock_port"] = hostPort
	return writeJSONFile(m.FS, path, cfg)
}

func (m *Manager) loadImageMetadata(imagePath string) (imageMetadata, error) {
	var meta imageMetadata
	path := filepath.Join(imagePath, "metadata.json")
	exists, err := afero.Exists(m.FS, path)
	if err != nil {
		return meta, fmt.Errorf("stat image metadata: %w", err)
	}
	if !exists {
		return meta, fmt.Errorf("%w: image metadata not found: %s", model.ErrPreflightMissing, path)
	}
	raw, err := afero.ReadFile(m.FS, path)
	if err != nil {
		return meta, fmt.Errorf("read image metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("%w: invalid JSON in %s: %v", model.ErrData, path, err)
	}
	if meta.Kernel == "" || meta.Initrd == "" || meta.BIOS == "" || meta.Rootfs == "" || meta.Cmdline == "" {
		return meta, fmt.Errorf("%w: image metadata missing kernel/initrd/bios/rootfs/cmdline", model.ErrPreflightMissing)
	}
	return meta, nil
}

func (m *Manager) checkImageFiles(imagePath string, meta imageMetadata) error {
	for _, f := range []string{meta.Kernel, meta.Initrd, meta.BIOS, meta.Rootfs} {
		path := filepath.Join(imagePath, f)
		exists, err := afero.Exists(m.FS, path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if !exists {
			return fmt.Errorf("%w: required image file not found: %s", model.ErrPreflightMissing, path)
		}
	}
	return nil
}

func (m *Manager) ensureDiskImage(path string, diskSizeGB int) error {
	exists, err := afero.Exists(m.FS, path)
	if err != nil {
		return fmt.Errorf("stat disk image: %w", err)
	}
	if exists {
		return nil
	}
	cmd := exec.Command("qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%dG", diskSizeGB))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("create disk image: %w: %s", err, out)
	}
	return nil
}

// spawnQemu launches argv as a detached child, redirecting stdout/stderr
// to truncated log files in the launcher's working directory. If the
// child exits within preflightGraceWindow, that is treated as a
// preflight failure and the tail of its stderr log is folded into the
// returned error.
func (m *Manager) spawnQemu(argv []string) error {
	stdout, err := os.Create("qemu_stdout.log")
	if err != nil {
		return fmt.Errorf("create qemu_stdout.log: %w", err)
	}
	defer stdout.Close()
	stderrPath := "qemu_stderr.log"
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return fmt.Errorf("create qemu_stderr.log: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group, so a later signal targets the whole qemu (and
	// any sudo-spawned helper) tree instead of just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch hypervisor %v: %w", argv, err)
	}

	klog.V(1).Infof("hypervisor process started with pid %d", cmd.Process.Pid)
	tp := m.track(cmd.Process)

	select {
	case waitErr := <-tp.done:
		m.untrack(tp)
		tail := tailFile(stderrPath, tailLogLines)
		if waitErr != nil {
			return fmt.Errorf("hypervisor exited during preflight: %w\n%s", waitErr, tail)
		}
		return fmt.Errorf("hypervisor exited during preflight with status 0, unexpectedly\n%s", tail)
	case <-time.After(preflightGraceWindow):
		return nil
	}
}

// tailFile returns the last n lines of the file at path, or a
// descriptive placeholder if it can't be read.
func tailFile(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("(could not read %s: %v)", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if len(lines) == 0 {
		return fmt.Sprintf("(%s is empty)", path)
	}
	return strings.Join(lines, "\n")
}
