package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scoutflo/tdx-fleet/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information and quit",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Version)
		return nil
	},
}
