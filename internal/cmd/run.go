package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	tdxconfig "github.com/scoutflo/tdx-fleet/internal/config"
	"github.com/scoutflo/tdx-fleet/internal/provisioner"
)

var runOpts struct {
	compose          string
	workDir          string
	imagePath        string
	vcpus            int
	memory           string
	disk             string
	gpus             string
	ports            string
	localKeyProvider bool
	hostPort         int
	pinNUMA          bool
	hugepage         bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision and launch a confidential VM instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		cfg := provisioner.Config{
			RunPath:        v.GetString(tdxconfig.KeyRunPath),
			DockerRegistry: v.GetString(tdxconfig.KeyDockerRegistry),
			QemuPath:       v.GetString(tdxconfig.KeyQemuPath),
		}
		mgr := provisioner.New(afero.NewOsFs(), cfg)

		manifest, err := mgr.SetupInstance(provisioner.SetupOptions{
			ComposePath:      runOpts.compose,
			WorkDir:          runOpts.workDir,
			ImagePath:        runOpts.imagePath,
			VCPUs:            runOpts.vcpus,
			MemoryStr:        runOpts.memory,
			DiskStr:          runOpts.disk,
			GPUs:             splitNonEmpty(runOpts.gpus),
			PortStrs:         splitNonEmpty(runOpts.ports),
			LocalKeyProvider: runOpts.localKeyProvider,
		})
		if err != nil {
			return fmt.Errorf("setup instance: %w", err)
		}
		klog.V(0).Infof("instance %s provisioned", manifest.ID)

		workDir := runOpts.workDir
		if workDir == "" {
			workDir = cfg.RunPath + "/" + manifest.ID
		}
		if err := mgr.RunInstance(provisioner.RunOptions{
			VMDir:     workDir,
			HostPort:  runOpts.hostPort,
			MemoryStr: runOpts.memory,
			VCPUs:     runOpts.vcpus,
			ImgDir:    runOpts.imagePath,
			PinNUMA:   runOpts.pinNUMA,
			Hugepage:  runOpts.hugepage,
		}); err != nil {
			return fmt.Errorf("run instance: %w", err)
		}
		klog.V(0).Infof("instance %s launched", manifest.ID)
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.compose, "compose", "", "path to the docker-compose.yml to embed")
	f.StringVar(&runOpts.workDir, "work-dir", "", "instance directory override (default: generated under run-path)")
	f.StringVar(&runOpts.imagePath, "image", "", "path to the guest image bundle")
	f.IntVar(&runOpts.vcpus, "cpus", 2, "vCPU count")
	f.StringVar(&runOpts.memory, "memory", "2G", "memory size (e.g. 512, 1G, 2T)")
	f.StringVar(&runOpts.disk, "disk", "10G", "disk size (e.g. 10G)")
	f.StringVar(&runOpts.gpus, "gpus", "", "comma-separated PCI device identifiers to pass through")
	f.StringVar(&runOpts.ports, "ports", "", "comma-separated port mappings (tcp:8080:80 or tcp:127.0.0.1:8080:80)")
	f.BoolVar(&runOpts.localKeyProvider, "local-key-provider", false, "enable the local key provider in app-compose.json")
	f.IntVar(&runOpts.hostPort, "host-port", 0, "host bridge port the guest should dial back to")
	f.BoolVar(&runOpts.pinNUMA, "pin-numa", false, "pin the hypervisor to the GPU's NUMA node")
	f.BoolVar(&runOpts.hugepage, "hugepage", false, "back guest memory with hugepages")
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
