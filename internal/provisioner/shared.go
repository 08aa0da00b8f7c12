package provisioner

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// AddSharedFile copies a host-side file into vm_dir/shared/<relPath>,
// creating parent directories and preserving the source file's mode
// bits.
func (m *Manager) AddSharedFile(vmDir, relPath string) error {
	destPath := filepath.Join(vmDir, "shared", relPath)
	if err := m.FS.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create shared parent directories: %w", err)
	}

	info, err := m.FS.Stat(relPath)
	if err != nil {
		return fmt.Errorf("stat source file %s: %w", relPath, err)
	}
	content, err := afero.ReadFile(m.FS, relPath)
	if err != nil {
		return fmt.Errorf("read source file %s: %w", relPath, err)
	}
	if err := afero.WriteFile(m.FS, destPath, content, info.Mode()); err != nil {
		return fmt.Errorf("write shared file %s: %w", destPath, err)
	}
	if err := m.FS.Chmod(destPath, info.Mode()); err != nil {
		return fmt.Errorf("chmod shared file %s: %w", destPath, err)
	}
	return nil
}
