package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	tdxconfig "github.com/scoutflo/tdx-fleet/internal/config"
	"github.com/scoutflo/tdx-fleet/internal/model"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned confidential VM instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		runPath := v.GetString(tdxconfig.KeyRunPath)

		fs := afero.NewOsFs()
		entries, err := afero.ReadDir(fs, runPath)
		if err != nil {
			return fmt.Errorf("read run path %s: %w", runPath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifestPath := filepath.Join(runPath, entry.Name(), "vm-manifest.json")
			raw, err := afero.ReadFile(fs, manifestPath)
			if err != nil {
				continue
			}
			var manifest model.VMManifest
			if err := json.Unmarshal(raw, &manifest); err != nil {
				continue
			}
			fmt.Printf("%s\tvcpu=%d\tmemory=%dMB\tdisk=%dGB\timage=%s\n",
				manifest.ID, manifest.VCPU, manifest.MemoryMB, manifest.DiskSizeGB, manifest.Image)
		}
		return nil
	},
}
