package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	tdxconfig "github.com/scoutflo/tdx-fleet/internal/config"
	"github.com/scoutflo/tdx-fleet/internal/provisioner"
)

// stopCmd only reaches instances this process itself launched and is
// still tracking in memory, matching the Manager's process-owns-child
// model; it is meant to run inside the same long-lived invocation or a
// panic handler, not as an independent sweep over orphaned children.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all hypervisor instances tracked by this process",
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
		if err := mgr.ShutdownInstances(); err != nil {
			return fmt.Errorf("shutdown instances: %w", err)
		}
		klog.V(0).Info("all tracked instances signaled to stop")
		return nil
	},
}
